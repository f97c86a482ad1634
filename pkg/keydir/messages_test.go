package keydir

import (
	"strings"
	"testing"
	"time"

	r "github.com/stretchr/testify/require"
)

func TestNewDeviceMessageContainsFingerprintAndSubject(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, intdate, err := NewDeviceMessage("deadbeef", now)
	r.NoError(t, err)
	r.Equal(t, now, intdate)
	r.Contains(t, string(msg), "Subject: New Device Detected")
	r.Contains(t, string(msg), "deadbeef")
	r.Contains(t, string(msg), "From: CITM <citm@localhost>")
}

func TestCorruptedMessageWrapsOriginal(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, err := CorruptedMessage([]byte("garbage-ciphertext"), now)
	r.NoError(t, err)
	r.Contains(t, string(msg), "Subject: CITM failed to decrypt message")
	r.Contains(t, string(msg), "garbage-ciphertext")
}

func TestMangleUnencryptedSubjectOnFirstLine(t *testing.T) {
	in := "Subject: hello\r\nFrom: a@b\r\n\r\nbody"
	out := string(MangleUnencrypted([]byte(in)))
	r.True(t, strings.HasPrefix(out, "Subject: NOT ENCRYPTED: hello\r\n"))
}

func TestMangleUnencryptedSubjectLaterInHeaders(t *testing.T) {
	in := "From: a@b\r\nSubject: hello\r\nTo: c@d\r\n\r\nbody"
	out := string(MangleUnencrypted([]byte(in)))
	r.Contains(t, out, "Subject: NOT ENCRYPTED: hello\r\n")
}

func TestMangleUnencryptedNoSubjectCRLF(t *testing.T) {
	in := "From: a@b\r\nTo: c@d\r\n\r\nbody"
	out := string(MangleUnencrypted([]byte(in)))
	r.Contains(t, out, "\nSubject: NOT ENCRYPTED: (no subject)\r\n\r\nbody")
}

func TestMangleUnencryptedNoSubjectLF(t *testing.T) {
	in := "From: a@b\nTo: c@d\n\nbody"
	out := string(MangleUnencrypted([]byte(in)))
	r.Contains(t, out, "\nSubject: NOT ENCRYPTED: (no subject)\n\nbody")
}

func TestMangleUnencryptedMalformedPassesThrough(t *testing.T) {
	in := "not really a message at all"
	out := MangleUnencrypted([]byte(in))
	r.Equal(t, in, string(out))
}
