package keydir

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-textwrapper"
)

// rfc2822Date formats t the way original_source/libcitm/date.c's
// get_date_field does, falling back to the Unix epoch string if t is the
// zero value (Go's time.Now() cannot itself fail, unlike the C dtime()
// call the original guards against, but the fallback format is kept as a
// documented invariant of this formatter).
func rfc2822Date(t time.Time) string {
	if t.IsZero() {
		return "Thu, 1 Jan 1970 00:00:00 +0000"
	}
	return t.Format("Mon, 2 Jan 2006 15:04:05 -0700")
}

func buildHeader(from, to, date, subject string) textproto.Header {
	var h textproto.Header
	h.Set("From", from)
	h.Set("To", to)
	h.Set("Date", date)
	h.Set("Subject", subject)
	return h
}

func renderMessage(h textproto.Header, body string) ([]byte, error) {
	var buf bytes.Buffer
	if err := h.WriteTo(&buf); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// newDeviceBodyUnwrapped is original_source/libcitm/keydir.c's
// inject_new_key_msg body without the original's hand-placed 72-column
// line breaks; NewDeviceMessage wraps it with go-textwrapper's
// NewRFC822, which breaks lines at 76 columns.
const newDeviceBodyUnwrapped = `The Splintermail software running on your device has detected that a new device has been added to your account.

The device which was added has the following fingerprint:

    %s

If you recently installed Splintermail on a new device or re-installed it on an old one, no further action is required.

If you have not recently installed Splintermail on a new device or re-installed it on an old one, this may mean that your password has been compromised. If you believe that to be true, you should take the following steps to protect your account:

  1. Visit your account page at https://splintermail.com

  2. Change your password. If somebody had your old password, this will prevent them from registering new devices to your account.

  3. Click the "delete" button next to each API Token and Device on your account page. If somebody had your old password, this will revoke any access they had previously.

  4. On each of your devices, update your email client with your new password and check your email, which will automatically reregister each device.

Thank you,

    Your local Splintermail software

Note: this message was generated by the Splintermail software running on your own device. This message did not originate from the mail server, and deleting this message on this device will not delete it on any other devices. This is for your protection, as it guarantees that we at Splintermail cannot be coerced into adding encryption keys to your account without your knowledge.
`

// NewDeviceMessage builds the synthetic INBOX message injected when a
// previously-unseen fingerprint warrants an alert (spec.md §3/§4.5).
func NewDeviceMessage(fprHex string, now time.Time) ([]byte, time.Time, error) {
	h := buildHeader(
		"CITM <citm@localhost>",
		"Local User <email_user@localhost>",
		rfc2822Date(now),
		"New Device Detected",
	)

	var wrapped bytes.Buffer
	w := textwrapper.NewRFC822(&wrapped)
	if _, err := fmt.Fprintf(w, newDeviceBodyUnwrapped, fprHex); err != nil {
		return nil, time.Time{}, err
	}

	msg, err := renderMessage(h, wrapped.String())
	return msg, now, err
}

// CorruptedMessage builds the fallback body used when decryption fails
// with a Ssl/Param error (spec.md §4.8), reproducing
// original_source/libcitm/keydir.c's mangle_corrupted.
func CorruptedMessage(original []byte, now time.Time) ([]byte, error) {
	h := buildHeader(
		"CITM <citm@localhost>",
		"Local User <email_user@localhost>",
		rfc2822Date(now),
		"CITM failed to decrypt message",
	)
	body := "The following message appears to be corrupted and cannot be decrypted:\r\n\r\n" +
		string(original)
	return renderMessage(h, body)
}

// MangleUnencrypted prefixes a plaintext message's Subject header with
// " NOT ENCRYPTED:", synthesizing a Subject header if none is present,
// per spec.md §4.8. This operates on raw bytes rather than going through
// a MIME parser because the incoming content is untrusted IMAP literal
// data that need not even be valid RFC 5322 — exactly the case
// original_source/libcitm/keydir.c's mangle_unencrypted handles by direct
// byte search instead of a header parser.
func MangleUnencrypted(msg []byte) []byte {
	const noSubjEntire = "Subject: NOT ENCRYPTED: (no subject)"
	const prefix = " NOT ENCRYPTED:"

	s := string(msg)

	// Case 1: Subject on the very first line.
	if strings.HasPrefix(s, "Subject:") {
		return []byte(s[:len("Subject:")] + prefix + s[len("Subject:"):])
	}

	// Look for "\nSubject:" before the end of headers, or the
	// header/body boundary itself ("\r\n\r\n" or "\n\n").
	subjIdx := strings.Index(s, "\nSubject:")
	crlfIdx := strings.Index(s, "\r\n\r\n")
	lfIdx := strings.Index(s, "\n\n")

	boundary := -1
	if crlfIdx >= 0 {
		boundary = crlfIdx
	} else if lfIdx >= 0 {
		boundary = lfIdx
	}

	// Prefer whichever comes first: an existing Subject header, or the
	// header/body boundary (meaning no Subject header exists at all).
	if subjIdx >= 0 && (boundary < 0 || subjIdx < boundary) {
		lineStart := subjIdx + 1 // skip the leading \n
		at := lineStart + len("Subject:")
		return []byte(s[:at] + prefix + s[at:])
	}

	if boundary >= 0 {
		return []byte(s[:boundary] + "\n" + noSubjEntire + s[boundary:])
	}

	// No header/body boundary found at all: the message is malformed,
	// pass it through unchanged.
	return msg
}
