package keydir

import (
	"os"
	"path/filepath"
	"testing"

	r "github.com/stretchr/testify/require"
)

func fpr(b byte) [32]byte {
	var f [32]byte
	f[0] = b
	return f
}

func TestFprWatcherAlertOnDecryptRequiresSyncedMailbox(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenFprWatcher(dir, nil)
	r.NoError(t, err)

	r.False(t, w.ShouldAlertOnDecrypt(fpr(1), "INBOX"), "mailbox not yet synced")

	r.NoError(t, w.MailboxSynced("INBOX"))
	r.True(t, w.ShouldAlertOnDecrypt(fpr(1), "INBOX"))

	r.NoError(t, w.AddFpr(fpr(1)))
	r.False(t, w.ShouldAlertOnDecrypt(fpr(1), "INBOX"), "already seen")
}

func TestFprWatcherAlertOnNewKeyRequiresPriorXKeySync(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenFprWatcher(dir, nil)
	r.NoError(t, err)

	r.False(t, w.ShouldAlertOnNewKey(fpr(2)), "no completed xkeysync yet")

	r.NoError(t, w.MarkXKeySyncCompleted())
	r.True(t, w.ShouldAlertOnNewKey(fpr(2)))

	r.NoError(t, w.AddFpr(fpr(2)))
	r.False(t, w.ShouldAlertOnNewKey(fpr(2)))
}

func TestFprWatcherPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenFprWatcher(dir, nil)
	r.NoError(t, err)

	r.NoError(t, w.AddFpr(fpr(3)))
	r.NoError(t, w.MailboxSynced("Sent Messages"))
	r.NoError(t, w.MarkXKeySyncCompleted())

	w2, err := OpenFprWatcher(dir, nil)
	r.NoError(t, err)
	r.True(t, w2.hasFpr(fpr(3)))
	r.True(t, w2.hasSynced("Sent Messages"))
	r.True(t, w2.XKeySyncCompleted())
}

func TestFprWatcherDropsCorruptFileWithWarning(t *testing.T) {
	dir := t.TempDir()
	r.NoError(t, os.MkdirAll(dir, 0o700))
	r.NoError(t, os.WriteFile(filepath.Join(dir, fprsFile), []byte("not-hex\n"), 0o600))

	var warned bool
	w, err := OpenFprWatcher(dir, func(string, ...interface{}) { warned = true })
	r.NoError(t, err)
	r.True(t, warned)
	r.Empty(t, w.fprs)
}

func TestEscapeSyncedRoundTrip(t *testing.T) {
	cases := []string{"INBOX", `weird\name`, "two\nlines", `back\slash\nfake`}
	for _, c := range cases {
		got, err := unescapeSynced(escapeSynced(c))
		r.NoError(t, err)
		r.Equal(t, c, got)
	}
}

func TestMarkXKeySyncCompletedIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenFprWatcher(dir, nil)
	r.NoError(t, err)
	r.NoError(t, w.MarkXKeySyncCompleted())
	r.NoError(t, w.MarkXKeySyncCompleted())
	r.True(t, w.XKeySyncCompleted())
}
