package maildir

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ljanyst/citm/pkg/cerrs"
)

var errReadOnly = errors.New("mailbox is selected read-only")

// UpDriver tracks the server's view of mailbox in the cache: it's
// where synced messages (FETCH responses, STORE/EXPUNGE notifications)
// land, running the process_msg hook on every new body (spec.md §4.8).
type UpDriver struct {
	dm      *DirMgr
	mailbox string
}

func (u *UpDriver) Mailbox() string { return u.mailbox }

// Attrs returns the cache's current view of the mailbox.
func (u *UpDriver) Attrs() (MailboxAttrs, error) {
	attrs, err := u.dm.store.Attrs(u.mailbox)
	if err != nil {
		return MailboxAttrs{}, cerrs.Wrap(err, cerrs.Param)
	}
	return attrs, nil
}

// StoreFetched runs a message fetched from upstream through the
// process_msg hook and caches the result, assigning it the mailbox's
// next local UID. flags/intdate come from the upstream FETCH response.
func (u *UpDriver) StoreFetched(ctx context.Context, content []byte, flags []string, intdate time.Time) (uint32, error) {
	out, err := u.dm.runProcessMsg(ctx, u.mailbox, content, intdate)
	if err != nil {
		if cerrs.Is(err, cerrs.NotForMe) {
			// spec.md §7: "Not an error; the cache skips the message."
			return 0, nil
		}
		return 0, err
	}
	uid, err := u.dm.store.AppendMessage(u.mailbox, out, flags, intdate)
	if err != nil {
		return 0, cerrs.Wrap(err, cerrs.Param)
	}
	return uid, nil
}

// SetFlags mirrors an upstream STORE notification into the cache.
func (u *UpDriver) SetFlags(uid uint32, flags []string) error {
	if err := u.dm.store.SetFlags(u.mailbox, uid, flags); err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}
	return nil
}

// Expunge mirrors an upstream EXPUNGE notification into the cache.
func (u *UpDriver) Expunge(uid uint32) error {
	if err := u.dm.store.ExpungeMessage(u.mailbox, uid); err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}
	return nil
}

// DnDriver serves the locally selected mailbox to the downstream
// client out of the cache, without touching the network.
type DnDriver struct {
	dm      *DirMgr
	mailbox string
	examine bool

	mu      sync.Mutex
	known   []uint32 // UIDs already reported to this downstream client, in sequence-number order
	primed  bool
}

func (d *DnDriver) Mailbox() string { return d.mailbox }
func (d *DnDriver) ReadOnly() bool  { return d.examine }

// Attrs returns the mailbox's cached SELECT/EXAMINE attributes.
func (d *DnDriver) Attrs() (MailboxAttrs, error) {
	attrs, err := d.dm.store.Attrs(d.mailbox)
	if err != nil {
		return MailboxAttrs{}, cerrs.Wrap(err, cerrs.Param)
	}
	return attrs, nil
}

// Fetch returns one cached message's metadata and decrypted body, for
// answering a downstream FETCH out of the cache.
func (d *DnDriver) Fetch(uid uint32) (MessageMeta, []byte, error) {
	m, content, err := d.dm.store.GetMessage(d.mailbox, uid)
	if err != nil {
		return MessageMeta{}, nil, cerrs.Wrap(err, cerrs.Param)
	}
	return m, content, nil
}

// List returns every cached message's metadata, in UID order.
func (d *DnDriver) List() ([]MessageMeta, error) {
	msgs, err := d.dm.store.ListMessages(d.mailbox)
	if err != nil {
		return nil, cerrs.Wrap(err, cerrs.Param)
	}
	return msgs, nil
}

// SetFlags applies a downstream STORE directly to the cache; the
// Session is responsible for also relaying it upstream.
func (d *DnDriver) SetFlags(uid uint32, flags []string) error {
	if d.examine {
		return cerrs.Wrap(errReadOnly, cerrs.Response)
	}
	if err := d.dm.store.SetFlags(d.mailbox, uid, flags); err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}
	return nil
}

// Expunge removes uid from the cache once the upstream UID EXPUNGE
// it mirrors has been confirmed.
func (d *DnDriver) Expunge(uid uint32) error {
	if d.examine {
		return cerrs.Wrap(errReadOnly, cerrs.Response)
	}
	if err := d.dm.store.ExpungeMessage(d.mailbox, uid); err != nil {
		return cerrs.Wrap(err, cerrs.Param)
	}
	return nil
}

// GatherUpdates reports mailbox changes that happened since this
// driver was opened (or since the last call) as untagged response
// lines, mirroring spec.md §4.6 item 2's "gather_updates(allow_
// expunges, uid_mode)" called from NOOP/CAPABILITY, so one attached
// pair observes another pair's STORE/EXPUNGE/FETCH against the shared
// cache without forcing a full re-SELECT. The first call after
// open/SELECT only primes the known-UID baseline and reports nothing,
// since SELECT's own response already announced the starting EXISTS
// count. With uidMode true, removed messages are reported as
// "* VANISHED" (QRESYNC style) instead of per-message "* EXPUNGE".
func (d *DnDriver) GatherUpdates(allowExpunges, uidMode bool) ([]string, error) {
	msgs, err := d.dm.store.ListMessages(d.mailbox)
	if err != nil {
		return nil, cerrs.Wrap(err, cerrs.Param)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.primed {
		d.known = uidsOf(msgs)
		d.primed = true
		return nil, nil
	}

	present := make(map[uint32]bool, len(msgs))
	for _, m := range msgs {
		present[m.UID] = true
	}

	var lines []string

	if allowExpunges {
		var vanished []uint32
		kept := make([]uint32, 0, len(d.known))
		seq := uint32(0)
		for _, uid := range d.known {
			seq++
			if present[uid] {
				kept = append(kept, uid)
				continue
			}
			if uidMode {
				vanished = append(vanished, uid)
			} else {
				lines = append(lines, fmt.Sprintf("* %d EXPUNGE\r\n", seq))
			}
			seq--
		}
		d.known = kept
		if len(vanished) > 0 {
			lines = append(lines, fmt.Sprintf("* VANISHED %s\r\n", formatUIDSet(vanished)))
		}
	}
	// Past this point d.known reflects what the downstream client
	// believes exists after any EXPUNGE/VANISHED lines just emitted
	// (which already adjust its count implicitly, per RFC 3501); only
	// newly-arrived messages still need an EXISTS to announce them.
	postExpungeCount := len(d.known)

	knownSet := make(map[uint32]bool, len(d.known))
	for _, uid := range d.known {
		knownSet[uid] = true
	}
	for _, m := range msgs {
		if !knownSet[m.UID] {
			d.known = append(d.known, m.UID)
		}
	}

	if len(d.known) != postExpungeCount {
		lines = append(lines, fmt.Sprintf("* %d EXISTS\r\n", len(d.known)))
	}

	return lines, nil
}

func uidsOf(msgs []MessageMeta) []uint32 {
	out := make([]uint32, len(msgs))
	for i, m := range msgs {
		out[i] = m.UID
	}
	return out
}

func formatUIDSet(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = strconv.FormatUint(uint64(u), 10)
	}
	return strings.Join(parts, ",")
}
