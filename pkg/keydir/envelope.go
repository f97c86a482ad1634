package keydir

import (
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/pkg/errors"
)

// BeginMarker / EndMarker frame an encrypted message body on the wire
// (spec.md §4.7/§4.8).
const (
	BeginMarker = "-----BEGIN SPLINTERMAIL MESSAGE-----"
	EndMarker   = "-----END SPLINTERMAIL MESSAGE-----"
)

// IsEncrypted reports whether content is framed as a splintermail
// message, per spec.md §4.8 ("If content begins with ...").
func IsEncrypted(content []byte) bool {
	return strings.HasPrefix(string(content), BeginMarker)
}

// Encrypt produces the on-the-wire ciphertext for content, encrypted for
// every key in recipients (mykey + all peers, per spec.md §4.7 step 3).
//
// The envelope is a manifest of recipient fingerprints (in cleartext —
// recipient identity among one's own devices isn't secret) followed by a
// single OpenPGP-encrypted payload built with gopenpgp/v2's KeyRing,
// encrypted to every recipient's public key at once. Framing it this way
// means decrypt-time fingerprint bookkeeping (spec.md §3's FprWatcher
// rules) never has to introspect OpenPGP packet internals: the manifest
// already names every recipient.
func Encrypt(content []byte, recipients []*KeyPair) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}

	keyRing, err := crypto.NewKeyRing(nil)
	if err != nil {
		return nil, errors.Wrap(err, "new key ring")
	}
	for _, r := range recipients {
		pub, err := crypto.NewKeyFromArmored(r.ArmoredPub)
		if err != nil {
			return nil, errors.Wrapf(err, "parse recipient %s", r.FingerprintHex())
		}
		if err := keyRing.AddKey(pub); err != nil {
			return nil, errors.Wrapf(err, "add recipient %s to keyring", r.FingerprintHex())
		}
	}

	plain := crypto.NewPlainMessage(content)
	enc, err := keyRing.Encrypt(plain, nil)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt")
	}

	var sb strings.Builder
	sb.WriteString(BeginMarker)
	sb.WriteByte('\n')
	for _, r := range recipients {
		sb.WriteString(hex.EncodeToString(r.Fingerprint[:]))
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(base64.StdEncoding.EncodeToString(enc.GetBinary()))
	sb.WriteByte('\n')
	sb.WriteString(EndMarker)
	sb.WriteByte('\n')

	return []byte(sb.String()), nil
}

// Manifest is a parsed splintermail-message envelope.
type Manifest struct {
	Recipients [][32]byte
	Payload    []byte // raw OpenPGP binary, base64-decoded
}

// ParseEnvelope splits content into its recipient manifest and payload.
func ParseEnvelope(content []byte) (*Manifest, error) {
	s := string(content)
	if !strings.HasPrefix(s, BeginMarker) {
		return nil, errors.New("missing begin marker")
	}
	s = strings.TrimPrefix(s, BeginMarker)
	end := strings.Index(s, EndMarker)
	if end < 0 {
		return nil, errors.New("missing end marker")
	}
	body := strings.Trim(s[:end], "\r\n")

	parts := strings.SplitN(body, "\n\n", 2)
	if len(parts) != 2 {
		return nil, errors.New("missing manifest/payload separator")
	}

	m := &Manifest{}
	for _, line := range strings.Split(strings.TrimRight(parts[0], "\r\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil || len(raw) != 32 {
			return nil, errors.Errorf("bad recipient fingerprint %q", line)
		}
		var fpr [32]byte
		copy(fpr[:], raw)
		m.Recipients = append(m.Recipients, fpr)
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}
	m.Payload = payload

	return m, nil
}

// Decrypt decrypts payload with mykey. Callers must have already
// confirmed mykey's fingerprint is among the manifest's recipients; this
// never returns a NotForMe-style error itself, only genuine decryption
// failures.
func Decrypt(payload []byte, mykey *KeyPair) ([]byte, error) {
	if mykey.Private == nil {
		return nil, errors.New("mykey has no private material")
	}
	keyRing, err := crypto.NewKeyRing(mykey.Private)
	if err != nil {
		return nil, errors.Wrap(err, "new key ring")
	}
	pgpMsg := crypto.NewPGPMessage(payload)
	plain, err := keyRing.Decrypt(pgpMsg, nil, 0)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt")
	}
	return plain.GetBinary(), nil
}

// HasRecipient reports whether fpr is named in m's manifest.
func (m *Manifest) HasRecipient(fpr [32]byte) bool {
	for _, r := range m.Recipients {
		if r == fpr {
			return true
		}
	}
	return false
}
