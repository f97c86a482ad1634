package keydir

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// FprWatcher decides when a fingerprint deserves a user-visible alert.
// Grounded on original_source/libcitm/fpr_watcher.c: two ordered sets
// (fprs seen, mailboxes synced) plus a one-shot "xkeysync has completed"
// flag, all persisted under <KeyDir>/fingerprints.
type FprWatcher struct {
	dir string

	fprs   [][32]byte // kept sorted, append-only in spirit (never removed)
	synced []string   // kept sorted

	xkeysyncCompleted bool
}

const (
	fprsFile      = "fprs_seen"
	syncedFile    = "mailboxes_synced"
	completedFile = "xkeysync_completed"
)

// OpenFprWatcher loads (or initializes) the watcher state rooted at dir.
// A file that fails to parse is dropped with a warning, per spec.md §7
// (Param errors on load never fail initialization).
func OpenFprWatcher(dir string, warn func(format string, args ...interface{})) (*FprWatcher, error) {
	if warn == nil {
		warn = func(string, ...interface{}) {}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "mkdir fingerprints dir")
	}

	w := &FprWatcher{dir: dir}

	if fprs, err := loadFprs(filepath.Join(dir, fprsFile)); err != nil {
		warn("dropping corrupt %s: %v", fprsFile, err)
	} else {
		w.fprs = fprs
	}

	if synced, err := loadSynced(filepath.Join(dir, syncedFile)); err != nil {
		warn("dropping corrupt %s: %v", syncedFile, err)
	} else {
		w.synced = synced
	}

	if _, err := os.Stat(filepath.Join(dir, completedFile)); err == nil {
		w.xkeysyncCompleted = true
	}

	return w, nil
}

// ShouldAlertOnDecrypt implements the FETCH-reveals-a-fingerprint rule
// (spec.md §3): alert iff the fingerprint has never been seen AND the
// mailbox has previously been fully synced.
func (w *FprWatcher) ShouldAlertOnDecrypt(fpr [32]byte, mailbox string) bool {
	if w.hasFpr(fpr) {
		return false
	}
	return w.hasSynced(mailbox)
}

// ShouldAlertOnNewKey implements the XKEYSYNC-reveals-a-fingerprint rule:
// alert iff never seen AND at least one XKEYSYNC has completed before.
func (w *FprWatcher) ShouldAlertOnNewKey(fpr [32]byte) bool {
	if w.hasFpr(fpr) {
		return false
	}
	return w.xkeysyncCompleted
}

func (w *FprWatcher) XKeySyncCompleted() bool { return w.xkeysyncCompleted }

// MarkXKeySyncCompleted creates the sentinel file, idempotently.
func (w *FprWatcher) MarkXKeySyncCompleted() error {
	if w.xkeysyncCompleted {
		return nil
	}
	if err := touch(filepath.Join(w.dir, completedFile)); err != nil {
		return errors.Wrap(err, "touch xkeysync_completed")
	}
	w.xkeysyncCompleted = true
	return nil
}

// MailboxSynced records that mailbox has completed a full sync, so future
// FETCHes there are eligible for decrypt alerts.
func (w *FprWatcher) MailboxSynced(mailbox string) error {
	if w.hasSynced(mailbox) {
		return nil
	}
	next := insertSortedString(w.synced, mailbox)
	if err := saveSynced(filepath.Join(w.dir, syncedFile), next); err != nil {
		return err
	}
	w.synced = next
	return nil
}

// AddFpr permanently records fpr as seen. Idempotent, per spec.md §8.
func (w *FprWatcher) AddFpr(fpr [32]byte) error {
	if w.hasFpr(fpr) {
		return nil
	}
	next := insertSortedFpr(w.fprs, fpr)
	if err := saveFprs(filepath.Join(w.dir, fprsFile), next); err != nil {
		return err
	}
	w.fprs = next
	return nil
}

func (w *FprWatcher) hasFpr(fpr [32]byte) bool {
	for _, f := range w.fprs {
		if f == fpr {
			return true
		}
	}
	return false
}

func (w *FprWatcher) hasSynced(mailbox string) bool {
	for _, s := range w.synced {
		if s == mailbox {
			return true
		}
	}
	return false
}

func insertSortedFpr(set [][32]byte, fpr [32]byte) [][32]byte {
	out := make([][32]byte, len(set), len(set)+1)
	copy(out, set)
	i := sort.Search(len(out), func(i int) bool {
		return string(out[i][:]) >= string(fpr[:])
	})
	out = append(out, [32]byte{})
	copy(out[i+1:], out[i:])
	out[i] = fpr
	return out
}

func insertSortedString(set []string, s string) []string {
	out := make([]string, len(set), len(set)+1)
	copy(out, set)
	i := sort.SearchStrings(out, s)
	out = append(out, "")
	copy(out[i+1:], out[i:])
	out[i] = s
	return out
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// writeAtomic writes data to path by writing a sibling ".tmp" file and
// renaming it into place, per spec.md §4.9/§6.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func saveFprs(path string, fprs [][32]byte) error {
	var sb strings.Builder
	for _, f := range fprs {
		sb.WriteString(hex.EncodeToString(f[:]))
		sb.WriteByte('\n')
	}
	return writeAtomic(path, []byte(sb.String()))
}

func loadFprs(path string) ([][32]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out [][32]byte
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil || len(raw) != 32 {
			return nil, errors.Errorf("bad fingerprint line %q", line)
		}
		var fpr [32]byte
		copy(fpr[:], raw)
		out = insertSortedFpr(out, fpr)
	}
	return out, nil
}

// escapeSynced implements the \ -> \\ and newline -> \n line encoding
// from fpr_watcher.c's save_synced.
func escapeSynced(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

func unescapeSynced(s string) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			sb.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", errors.New("trailing backslash")
		}
		switch s[i+1] {
		case '\\':
			sb.WriteByte('\\')
		case 'n':
			sb.WriteByte('\n')
		default:
			return "", errors.Errorf("bad escape \\%c", s[i+1])
		}
		i++
	}
	return sb.String(), nil
}

func saveSynced(path string, synced []string) error {
	var sb strings.Builder
	for _, s := range synced {
		sb.WriteString(escapeSynced(s))
		sb.WriteByte('\n')
	}
	return writeAtomic(path, []byte(sb.String()))
}

func loadSynced(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		s, err := unescapeSynced(line)
		if err != nil {
			return nil, err
		}
		out = insertSortedString(out, s)
	}
	return out, nil
}
