package maildir

import (
	"context"
	"sync"
	"testing"
	"time"

	r "github.com/stretchr/testify/require"

	"github.com/ljanyst/citm/pkg/cerrs"
)

func newTestDirMgr(t *testing.T) *DirMgr {
	dm, err := Open(t.TempDir())
	r.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return dm
}

func TestOpenUpCreatesMailbox(t *testing.T) {
	dm := newTestDirMgr(t)
	up, err := dm.OpenUp("INBOX")
	r.NoError(t, err)
	attrs, err := up.Attrs()
	r.NoError(t, err)
	r.EqualValues(t, 0, attrs.Messages)
}

func TestStoreFetchedRunsProcessMsgHook(t *testing.T) {
	dm := newTestDirMgr(t)
	dm.SetProcessMsg(func(ctx context.Context, mailbox string, content []byte, now time.Time) ([]byte, error) {
		return append([]byte("mangled:"), content...), nil
	})
	up, err := dm.OpenUp("INBOX")
	r.NoError(t, err)

	uid, err := up.StoreFetched(context.Background(), []byte("body"), nil, time.Now())
	r.NoError(t, err)
	r.NotZero(t, uid)

	dn, err := dm.OpenDn("INBOX", false)
	r.NoError(t, err)
	_, content, err := dn.Fetch(uid)
	r.NoError(t, err)
	r.Equal(t, []byte("mangled:body"), content)
}

func TestStoreFetchedSkipsNotForMeWithoutError(t *testing.T) {
	dm := newTestDirMgr(t)
	dm.SetProcessMsg(func(ctx context.Context, mailbox string, content []byte, now time.Time) ([]byte, error) {
		return nil, cerrs.NotForMe
	})
	up, err := dm.OpenUp("INBOX")
	r.NoError(t, err)

	uid, err := up.StoreFetched(context.Background(), []byte("body"), nil, time.Now())
	r.NoError(t, err)
	r.Zero(t, uid)

	dn, err := dm.OpenDn("INBOX", false)
	r.NoError(t, err)
	msgs, err := dn.List()
	r.NoError(t, err)
	r.Empty(t, msgs)
}

func TestStoreFetchedPropagatesOtherErrors(t *testing.T) {
	dm := newTestDirMgr(t)
	dm.SetProcessMsg(func(ctx context.Context, mailbox string, content []byte, now time.Time) ([]byte, error) {
		return nil, cerrs.Wrap(errReadOnly, cerrs.Internal)
	})
	up, err := dm.OpenUp("INBOX")
	r.NoError(t, err)

	_, err = up.StoreFetched(context.Background(), []byte("body"), nil, time.Now())
	r.Error(t, err)
	r.False(t, cerrs.Is(err, cerrs.NotForMe))
}

func TestFreezeBlocksConcurrentHold(t *testing.T) {
	dm := newTestDirMgr(t)
	_, err := dm.OpenUp("INBOX")
	r.NoError(t, err)

	f := dm.FreezeNew("INBOX")

	var acquired sync.WaitGroup
	acquired.Add(1)
	done := make(chan struct{})
	go func() {
		acquired.Done()
		h := dm.HoldNew("INBOX")
		close(done)
		h.HoldFree()
	}()
	acquired.Wait()

	select {
	case <-done:
		t.Fatal("hold acquired while mailbox was frozen")
	case <-time.After(50 * time.Millisecond):
	}

	f.FreezeFree()
	<-done
}

func TestHoldGetImaildirAfterRelease(t *testing.T) {
	dm := newTestDirMgr(t)
	_, err := dm.OpenUp("INBOX")
	r.NoError(t, err)

	h := dm.HoldNew("INBOX")
	_, err = h.HoldGetImaildir()
	r.NoError(t, err)

	h.HoldReleaseImaildir()
	_, err = h.HoldGetImaildir()
	r.Error(t, err)

	h.HoldFree()
}

func TestDeleteRequiresFreeze(t *testing.T) {
	dm := newTestDirMgr(t)
	_, err := dm.OpenUp("Trash")
	r.NoError(t, err)

	f := dm.FreezeNew("Trash")
	defer f.FreezeFree()

	r.NoError(t, dm.Delete(f))
	_, err = dm.ProcessStatusResp("Trash")
	r.Error(t, err)
}

func TestRenameRequiresFreeze(t *testing.T) {
	dm := newTestDirMgr(t)
	_, err := dm.OpenUp("Drafts")
	r.NoError(t, err)

	f := dm.FreezeNew("Drafts")
	defer f.FreezeFree()

	r.NoError(t, dm.Rename(f, "Archive"))
	attrs, err := dm.ProcessStatusResp("Archive")
	r.NoError(t, err)
	r.EqualValues(t, 0, attrs.Messages)
}

func TestInjectMessageBypassesProcessMsgHook(t *testing.T) {
	dm := newTestDirMgr(t)
	called := false
	dm.SetProcessMsg(func(ctx context.Context, mailbox string, content []byte, now time.Time) ([]byte, error) {
		called = true
		return content, nil
	})

	err := dm.InjectMessage(context.Background(), "INBOX", []byte("new device alert"), time.Now())
	r.NoError(t, err)
	r.False(t, called, "InjectMessage must not run the process_msg hook")

	dn, err := dm.OpenDn("INBOX", false)
	r.NoError(t, err)
	msgs, err := dn.List()
	r.NoError(t, err)
	r.Len(t, msgs, 1)
}

func TestGatherUpdatesPrimesSilentlyThenReportsChanges(t *testing.T) {
	dm := newTestDirMgr(t)
	up, err := dm.OpenUp("INBOX")
	r.NoError(t, err)
	uid1, err := up.StoreFetched(context.Background(), []byte("first"), nil, time.Now())
	r.NoError(t, err)

	dn, err := dm.OpenDn("INBOX", false)
	r.NoError(t, err)

	lines, err := dn.GatherUpdates(true, false)
	r.NoError(t, err)
	r.Empty(t, lines, "first call after open must only prime, not report SELECT's own baseline")

	lines, err = dn.GatherUpdates(true, false)
	r.NoError(t, err)
	r.Empty(t, lines, "nothing changed since priming")

	_, err = up.StoreFetched(context.Background(), []byte("second"), nil, time.Now())
	r.NoError(t, err)
	lines, err = dn.GatherUpdates(true, false)
	r.NoError(t, err)
	r.Equal(t, []string{"* 2 EXISTS\r\n"}, lines)

	r.NoError(t, up.Expunge(uid1))
	lines, err = dn.GatherUpdates(true, false)
	r.NoError(t, err)
	r.Equal(t, []string{"* 1 EXPUNGE\r\n"}, lines)
}

func TestGatherUpdatesVanishedInUidMode(t *testing.T) {
	dm := newTestDirMgr(t)
	up, err := dm.OpenUp("INBOX")
	r.NoError(t, err)
	uid, err := up.StoreFetched(context.Background(), []byte("body"), nil, time.Now())
	r.NoError(t, err)

	dn, err := dm.OpenDn("INBOX", false)
	r.NoError(t, err)
	_, err = dn.GatherUpdates(true, true)
	r.NoError(t, err)

	r.NoError(t, up.Expunge(uid))
	lines, err := dn.GatherUpdates(true, true)
	r.NoError(t, err)
	r.Len(t, lines, 1)
	r.Contains(t, lines[0], "VANISHED")
}

func TestReconcileSelectWipesCacheOnUidValidityMismatch(t *testing.T) {
	dm := newTestDirMgr(t)
	up, err := dm.OpenUp("INBOX")
	r.NoError(t, err)
	_, err = up.StoreFetched(context.Background(), []byte("body"), nil, time.Now())
	r.NoError(t, err)

	attrs, err := dm.ProcessStatusResp("INBOX")
	r.NoError(t, err)
	r.EqualValues(t, 1, attrs.Messages)

	r.NoError(t, dm.ReconcileSelect("INBOX", attrs.UIDValidity+1, 50))

	attrs, err = dm.ProcessStatusResp("INBOX")
	r.NoError(t, err)
	r.EqualValues(t, 0, attrs.Messages, "a UIDVALIDITY change must discard the stale cache")
	r.EqualValues(t, 50, attrs.UIDNext)
}

func TestReconcileSelectAdvancesUidNextOnMatch(t *testing.T) {
	dm := newTestDirMgr(t)
	_, err := dm.OpenUp("INBOX")
	r.NoError(t, err)

	attrs, err := dm.ProcessStatusResp("INBOX")
	r.NoError(t, err)
	want := attrs.UIDNext + 100

	r.NoError(t, dm.ReconcileSelect("INBOX", attrs.UIDValidity, want))

	attrs, err = dm.ProcessStatusResp("INBOX")
	r.NoError(t, err)
	r.EqualValues(t, want, attrs.UIDNext)
}

func TestDnDriverSetFlagsRejectsOnExamine(t *testing.T) {
	dm := newTestDirMgr(t)
	up, err := dm.OpenUp("INBOX")
	r.NoError(t, err)
	uid, err := up.StoreFetched(context.Background(), []byte("body"), nil, time.Now())
	r.NoError(t, err)

	dn, err := dm.OpenDn("INBOX", true)
	r.NoError(t, err)
	err = dn.SetFlags(uid, []string{`\Seen`})
	r.Error(t, err)
	r.True(t, cerrs.Is(err, cerrs.Response))
}
