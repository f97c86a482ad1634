package keydir

import (
	"testing"

	r "github.com/stretchr/testify/require"
)

func TestGenerateKeyPairRoundTripsThroughArmor(t *testing.T) {
	kp, err := GenerateKeyPair()
	r.NoError(t, err)
	r.NotEmpty(t, kp.ArmoredPub)
	r.NotNil(t, kp.Private)

	priv, err := kp.ArmoredPrivate()
	r.NoError(t, err)

	loaded, err := LoadPrivateKeyPair(priv)
	r.NoError(t, err)
	r.Equal(t, kp.Fingerprint, loaded.Fingerprint)
	r.Equal(t, kp.FingerprintHex(), loaded.FingerprintHex())
}

func TestKeyPairFromPublicPEMHasNoPrivateMaterial(t *testing.T) {
	kp, err := GenerateKeyPair()
	r.NoError(t, err)

	pubOnly, err := KeyPairFromPublicPEM(kp.ArmoredPub)
	r.NoError(t, err)
	r.Nil(t, pubOnly.Private)
	r.Equal(t, kp.Fingerprint, pubOnly.Fingerprint)

	_, err = pubOnly.ArmoredPrivate()
	r.Error(t, err)
}

func TestFingerprintIsDeterministicAndDistinct(t *testing.T) {
	a, err := GenerateKeyPair()
	r.NoError(t, err)
	b, err := GenerateKeyPair()
	r.NoError(t, err)

	r.NotEqual(t, a.Fingerprint, b.Fingerprint)
	r.Equal(t, fingerprintOf(a.ArmoredPub), a.Fingerprint)
	r.Len(t, a.FingerprintHex(), 64)
}
