package maildir

import (
	"testing"
	"time"

	r "github.com/stretchr/testify/require"
)

func TestAppendAndFetchMessageRoundTrip(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	r.NoError(t, err)
	defer s.Close()

	r.NoError(t, s.EnsureMailbox("INBOX"))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	uid, err := s.AppendMessage("INBOX", []byte("hello"), []string{`\Seen`}, now)
	r.NoError(t, err)
	r.Equal(t, uint32(1), uid)

	m, content, err := s.GetMessage("INBOX", uid)
	r.NoError(t, err)
	r.Equal(t, []byte("hello"), content)
	r.Equal(t, []string{`\Seen`}, m.Flags)
	r.Equal(t, now, m.IntDate)
}

func TestUidNextIncrementsMonotonically(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	r.NoError(t, err)
	defer s.Close()
	r.NoError(t, s.EnsureMailbox("INBOX"))

	uid1, err := s.AppendMessage("INBOX", []byte("a"), nil, time.Now())
	r.NoError(t, err)
	uid2, err := s.AppendMessage("INBOX", []byte("b"), nil, time.Now())
	r.NoError(t, err)
	r.Equal(t, uid1+1, uid2)

	attrs, err := s.Attrs("INBOX")
	r.NoError(t, err)
	r.Equal(t, uid2+1, attrs.UIDNext)
	r.EqualValues(t, 2, attrs.Messages)
}

func TestSetFlagsAndExpunge(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	r.NoError(t, err)
	defer s.Close()
	r.NoError(t, s.EnsureMailbox("INBOX"))

	uid, err := s.AppendMessage("INBOX", []byte("x"), nil, time.Now())
	r.NoError(t, err)

	r.NoError(t, s.SetFlags("INBOX", uid, []string{`\Deleted`}))
	m, _, err := s.GetMessage("INBOX", uid)
	r.NoError(t, err)
	r.Equal(t, []string{`\Deleted`}, m.Flags)

	r.NoError(t, s.ExpungeMessage("INBOX", uid))
	_, _, err = s.GetMessage("INBOX", uid)
	r.Error(t, err)
}

func TestRenameMailboxPreservesMessages(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	r.NoError(t, err)
	defer s.Close()
	r.NoError(t, s.EnsureMailbox("Drafts"))

	uid, err := s.AppendMessage("Drafts", []byte("draft body"), nil, time.Now())
	r.NoError(t, err)

	r.NoError(t, s.RenameMailbox("Drafts", "Archive/Drafts"))

	_, _, err = s.GetMessage("Drafts", uid)
	r.Error(t, err, "source mailbox should be gone")

	_, content, err := s.GetMessage("Archive/Drafts", uid)
	r.NoError(t, err)
	r.Equal(t, []byte("draft body"), content)
}

func TestDeleteMailboxRemovesEverything(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	r.NoError(t, err)
	defer s.Close()
	r.NoError(t, s.EnsureMailbox("Trash"))
	_, err = s.AppendMessage("Trash", []byte("gone soon"), nil, time.Now())
	r.NoError(t, err)

	r.NoError(t, s.DeleteMailbox("Trash"))
	_, err = s.Attrs("Trash")
	r.Error(t, err)
}

func TestNewTmpIDIsMonotonic(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	r.NoError(t, err)
	defer s.Close()

	a := s.NewTmpID()
	b := s.NewTmpID()
	r.Less(t, a, b)
}
