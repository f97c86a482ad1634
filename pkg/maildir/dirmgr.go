package maildir

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ljanyst/citm/pkg/cerrs"
)

// ProcessMsgFunc is the decryption/encryption hook spec.md §4.8/§6
// installs on every mailbox ("Installs a process_msg hook on every
// mailbox"). DirMgr doesn't know anything about KeyDir; the hook is
// wired in by whoever constructs the Session (keeping pkg/maildir and
// pkg/keydir decoupled, matching spec.md §6 treating the cache as an
// external collaborator with a narrow interface).
type ProcessMsgFunc func(ctx context.Context, mailbox string, content []byte, now time.Time) ([]byte, error)

// DirMgr is the mail cache collaborator described in spec.md §6: it
// owns one Store per user and enforces the freeze/hold serialization
// the Session needs around mutating passthrus (DELETE/RENAME/APPEND).
type DirMgr struct {
	store *Store

	processMsg ProcessMsgFunc

	mu     sync.Mutex
	locks  map[string]*sync.RWMutex
	upRefs map[string]int
	dnRefs map[string]int
}

// Open opens the mail cache rooted at dir (normally
// <KeyDirRoot>/<user>/mail).
func Open(dir string) (*DirMgr, error) {
	store, err := OpenStore(dir)
	if err != nil {
		return nil, err
	}
	return &DirMgr{
		store:  store,
		locks:  make(map[string]*sync.RWMutex),
		upRefs: make(map[string]int),
		dnRefs: make(map[string]int),
	}, nil
}

func (dm *DirMgr) Close() error { return dm.store.Close() }

// SetProcessMsg installs the hook run on every message landing in the
// local cache, per spec.md §4.8.
func (dm *DirMgr) SetProcessMsg(fn ProcessMsgFunc) { dm.processMsg = fn }

func (dm *DirMgr) lockFor(mailbox string) *sync.RWMutex {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	l, ok := dm.locks[mailbox]
	if !ok {
		l = &sync.RWMutex{}
		dm.locks[mailbox] = l
	}
	return l
}

// NewTmpID returns a monotonic counter for temp-file names, per
// spec.md §6's new_tmp_id — used by the Session's APPEND intercept
// (spec.md §4.7 step 1: "Write the plaintext literal to a fresh file
// under <dirmgr>/tmp/<id>").
func (dm *DirMgr) NewTmpID() uint64 { return dm.store.NewTmpID() }

// WriteTmp stores content under a fresh tmp/<id> file, returning the id
// and path for the caller to later import (ImportAppend) or discard
// (RemoveTmp), per spec.md §4.7 step 1.
func (dm *DirMgr) WriteTmp(content []byte) (uint64, string, error) {
	id := dm.store.NewTmpID()
	path, err := dm.store.WriteTmp(id, content)
	if err != nil {
		return 0, "", cerrs.Wrap(err, cerrs.Param)
	}
	return id, path, nil
}

// RemoveTmp discards a temp file written by WriteTmp.
func (dm *DirMgr) RemoveTmp(path string) error {
	if err := dm.store.RemoveTmp(path); err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}
	return nil
}

// OpenUp attaches the upstream-side driver for mailbox, creating its
// cache entry if this is the first time it's been seen.
func (dm *DirMgr) OpenUp(mailbox string) (*UpDriver, error) {
	if err := dm.store.EnsureMailbox(mailbox); err != nil {
		return nil, cerrs.Wrap(err, cerrs.Param)
	}
	dm.mu.Lock()
	dm.upRefs[mailbox]++
	dm.mu.Unlock()
	return &UpDriver{dm: dm, mailbox: mailbox}, nil
}

// CloseUp releases the upstream-side driver for mailbox.
func (dm *DirMgr) CloseUp(mailbox string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.upRefs[mailbox] > 0 {
		dm.upRefs[mailbox]--
	}
}

// OpenDn attaches the downstream-side driver serving mailbox to the
// local client (examine selects it read-only; the cache doesn't care
// beyond reporting the flag back to the Session).
func (dm *DirMgr) OpenDn(mailbox string, examine bool) (*DnDriver, error) {
	if err := dm.store.EnsureMailbox(mailbox); err != nil {
		return nil, cerrs.Wrap(err, cerrs.Param)
	}
	dm.mu.Lock()
	dm.dnRefs[mailbox]++
	dm.mu.Unlock()
	return &DnDriver{dm: dm, mailbox: mailbox, examine: examine}, nil
}

// CloseDn releases the downstream-side driver for mailbox.
func (dm *DirMgr) CloseDn(mailbox string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.dnRefs[mailbox] > 0 {
		dm.dnRefs[mailbox]--
	}
}

// Freeze is a scoped exclusive lease on a mailbox, required before a
// DELETE or RENAME may be issued upstream (spec.md §8: "A DELETE or
// RENAME never issues upstream without a live freeze on every affected
// mailbox").
type Freeze struct {
	dm      *DirMgr
	mailbox string
	lock    *sync.RWMutex
	freed   bool
}

// FreezeNew acquires an exclusive freeze on mailbox, blocking until any
// concurrent hold or other freeze on it releases.
func (dm *DirMgr) FreezeNew(mailbox string) *Freeze {
	lock := dm.lockFor(mailbox)
	lock.Lock()
	return &Freeze{dm: dm, mailbox: mailbox, lock: lock}
}

// FreezeFree releases f, after which the mailbox may be mutated again.
func (f *Freeze) FreezeFree() {
	if f.freed {
		return
	}
	f.freed = true
	f.lock.Unlock()
}

// Delete removes the frozen mailbox from the cache entirely.
func (dm *DirMgr) Delete(f *Freeze) error {
	if err := dm.store.DeleteMailbox(f.mailbox); err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}
	return nil
}

// Rename moves srcFreeze's mailbox to dst. Both src and dst must be
// frozen by the caller first (spec.md §8's freeze invariant covers
// "every affected mailbox").
func (dm *DirMgr) Rename(srcFreeze *Freeze, dstName string) error {
	if err := dm.store.RenameMailbox(srcFreeze.mailbox, dstName); err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}
	return nil
}

// Hold is a scoped shared lease taken across an APPEND, so a
// concurrent freeze can't delete/rename the mailbox out from under it
// (spec.md §4.7/§6: hold_new/hold_get_imaildir/hold_release_imaildir/
// hold_free).
type Hold struct {
	dm      *DirMgr
	mailbox string
	lock    *sync.RWMutex
	held    bool
	freed   bool
}

// HoldNew takes a shared lease on mailbox.
func (dm *DirMgr) HoldNew(mailbox string) *Hold {
	lock := dm.lockFor(mailbox)
	lock.RLock()
	return &Hold{dm: dm, mailbox: mailbox, lock: lock, held: true}
}

// HoldGetImaildir returns the UpDriver for the held mailbox, for use
// while the hold is outstanding.
func (h *Hold) HoldGetImaildir() (*UpDriver, error) {
	if !h.held {
		return nil, errors.New("hold already released")
	}
	return &UpDriver{dm: h.dm, mailbox: h.mailbox}, nil
}

// HoldReleaseImaildir releases the shared lock without freeing the
// Hold's bookkeeping (mirrors the two-step release/free split in
// spec.md §6).
func (h *Hold) HoldReleaseImaildir() {
	if !h.held {
		return
	}
	h.held = false
	h.lock.RUnlock()
}

// HoldFree releases any still-outstanding lock and retires h.
func (h *Hold) HoldFree() {
	if h.freed {
		return
	}
	h.freed = true
	h.HoldReleaseImaildir()
}

// ImportAppend stores an APPEND's plaintext content in the cache at the
// server-assigned uid, bypassing the process_msg hook since the content
// is already in the decrypted form the cache holds
// (spec.md §4.7 step 5: "attributing the add to the Session's own up_t
// so the driver will not attempt to resynchronize it").
func (dm *DirMgr) ImportAppend(mailbox string, uid uint32, content []byte, flags []string, intdate time.Time) error {
	if err := dm.store.ImportMessage(mailbox, uid, content, flags, intdate); err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}
	return nil
}

// ReconcileSelect applies the server's authoritative UIDVALIDITY and
// UIDNEXT for mailbox, as reported in SELECT/EXAMINE's untagged
// responses, into the cache. This is the synchronization point spec.md
// calls SELECT out for: a UIDVALIDITY mismatch wipes the cache's stale
// UIDs rather than letting them be served as if still valid.
func (dm *DirMgr) ReconcileSelect(mailbox string, uidvalidity, uidnext uint32) error {
	if uidvalidity != 0 {
		if err := dm.store.ReconcileUidValidity(mailbox, uidvalidity); err != nil {
			return cerrs.Wrap(err, cerrs.Param)
		}
	}
	if uidnext != 0 {
		if err := dm.store.AdvanceUidNext(mailbox, uidnext); err != nil {
			return cerrs.Wrap(err, cerrs.Param)
		}
	}
	return nil
}

// UidValidity reports mailbox's current cache uidvalidity.
func (dm *DirMgr) UidValidity(mailbox string) (uint32, error) {
	v, err := dm.store.UidValidity(mailbox)
	if err != nil {
		return 0, cerrs.Wrap(err, cerrs.Param)
	}
	return v, nil
}

// ProcessStatusResp rewrites a STATUS response's attributes with the
// cache's own view of the mailbox, per spec.md §8: "A STATUS passthru
// never lets the server's raw counts reach the downstream client; the
// cache's rewrite always runs."
func (dm *DirMgr) ProcessStatusResp(mailbox string) (MailboxAttrs, error) {
	attrs, err := dm.store.Attrs(mailbox)
	if err != nil {
		return MailboxAttrs{}, cerrs.Wrap(err, cerrs.Param)
	}
	return attrs, nil
}

// runProcessMsg applies the installed hook (if any) to content landing
// in mailbox, returning the content that should actually be cached.
func (dm *DirMgr) runProcessMsg(ctx context.Context, mailbox string, content []byte, intdate time.Time) ([]byte, error) {
	if dm.processMsg == nil {
		return content, nil
	}
	return dm.processMsg(ctx, mailbox, content, intdate)
}

// InjectMessage implements keydir.Injector: it stores content directly
// into mailbox, bypassing the process_msg hook, since this content
// originates locally rather than crossing the upstream boundary
// (spec.md §4.5: the new-device alert "is added to the INBOX via the
// mail-cache's local-add hook with internal date = now and no flags").
func (dm *DirMgr) InjectMessage(ctx context.Context, mailbox string, content []byte, intdate time.Time) error {
	if err := dm.store.EnsureMailbox(mailbox); err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}
	_, err := dm.store.AppendMessage(mailbox, content, nil, intdate)
	if err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}
	return nil
}
