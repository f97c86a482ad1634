package keydir

import (
	"crypto/sha256"
	"os"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/pkg/errors"
)

// KeyPair is an asymmetric key with a binary fingerprint and a PEM
// (armored) public encoding, per spec.md §3. The user owns one private
// KeyPair ("mykey") and zero or more public-only peer KeyPairs.
type KeyPair struct {
	Fingerprint [32]byte
	ArmoredPub  string

	// Private is set for mykey only; peer KeyPairs are public-only.
	Private *crypto.Key
}

// FingerprintHex is the lowercase hex encoding used for file names and
// the fprs_seen ledger.
func (k *KeyPair) FingerprintHex() string {
	return hexEncode(k.Fingerprint[:])
}

// fingerprintOf derives the spec's 32-byte fingerprint by hashing the
// armored public key text. The original Splintermail client's keypair_t
// fingerprint isn't a standard OpenPGP fingerprint (which is 20 bytes);
// spec.md §3 simply calls for "a binary fingerprint (32 bytes)", so this
// rewrite derives it deterministically from the public key encoding,
// which is the smallest choice that satisfies "every peer PEM file
// corresponds to exactly one in-memory peer entry" (§3 invariant ii)
// without depending on any particular OpenPGP library internal.
func fingerprintOf(armoredPub string) [32]byte {
	return sha256.Sum256([]byte(armoredPub))
}

// GenerateKeyPair creates a fresh RSA-4096 keypair, matching
// original_source/libcitm/keydir.c's _load_or_gen_mykey, which generates
// a 4096-bit RSA key when no mykey.pem exists.
func GenerateKeyPair() (*KeyPair, error) {
	key, err := crypto.GenerateKey("citm", "citm@localhost", "rsa", 4096)
	if err != nil {
		return nil, errors.Wrap(err, "generate rsa-4096 key")
	}
	pub, err := key.GetArmoredPublicKey()
	if err != nil {
		return nil, errors.Wrap(err, "armor public key")
	}
	return &KeyPair{
		Fingerprint: fingerprintOf(pub),
		ArmoredPub:  pub,
		Private:     key,
	}, nil
}

// LoadPrivateKeyPair parses an armored private key (mykey.pem's contents).
func LoadPrivateKeyPair(armoredPriv string) (*KeyPair, error) {
	key, err := crypto.NewKeyFromArmored(armoredPriv)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	if !key.IsPrivate() {
		return nil, errors.New("mykey.pem did not contain a private key")
	}
	pub, err := key.GetArmoredPublicKey()
	if err != nil {
		return nil, errors.Wrap(err, "armor public key")
	}
	return &KeyPair{
		Fingerprint: fingerprintOf(pub),
		ArmoredPub:  pub,
		Private:     key,
	}, nil
}

// KeyPairFromPublicPEM parses a peer's public-only PEM, the counterpart
// of original_source/libcitm/keydir.c's keypair_from_pubkey_pem.
func KeyPairFromPublicPEM(armoredPub string) (*KeyPair, error) {
	key, err := crypto.NewKeyFromArmored(armoredPub)
	if err != nil {
		return nil, errors.Wrap(err, "parse public key")
	}
	return &KeyPair{
		Fingerprint: fingerprintOf(armoredPub),
		ArmoredPub:  armoredPub,
	}, nil
}

// ArmoredPrivate returns mykey's armored private key, for persisting to
// keys/mykey.pem. Only valid when Private != nil.
func (k *KeyPair) ArmoredPrivate() (string, error) {
	if k.Private == nil {
		return "", errors.New("keypair has no private material")
	}
	return k.Private.Armor()
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}
