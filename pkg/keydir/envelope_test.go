package keydir

import (
	"testing"

	r "github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	me, err := GenerateKeyPair()
	r.NoError(t, err)
	other, err := GenerateKeyPair()
	r.NoError(t, err)

	plain := []byte("Subject: hi\r\n\r\nbody text\r\n")
	wire, err := Encrypt(plain, []*KeyPair{me, other})
	r.NoError(t, err)
	r.True(t, IsEncrypted(wire))

	manifest, err := ParseEnvelope(wire)
	r.NoError(t, err)
	r.True(t, manifest.HasRecipient(me.Fingerprint))
	r.True(t, manifest.HasRecipient(other.Fingerprint))
	r.Len(t, manifest.Recipients, 2)

	got, err := Decrypt(manifest.Payload, me)
	r.NoError(t, err)
	r.Equal(t, plain, got)
}

func TestParseEnvelopeRejectsMissingMarkers(t *testing.T) {
	_, err := ParseEnvelope([]byte("not an envelope"))
	r.Error(t, err)
}

func TestParseEnvelopeRejectsBadFingerprintLine(t *testing.T) {
	bad := BeginMarker + "\n" + "nothex\n\ncGF5bG9hZA==\n" + EndMarker + "\n"
	_, err := ParseEnvelope([]byte(bad))
	r.Error(t, err)
}

func TestManifestHasRecipientFalseForUnknown(t *testing.T) {
	m := &Manifest{Recipients: [][32]byte{fpr(9)}}
	r.False(t, m.HasRecipient(fpr(1)))
	r.True(t, m.HasRecipient(fpr(9)))
}
