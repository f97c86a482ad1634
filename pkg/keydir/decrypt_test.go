package keydir

import (
	"context"
	"testing"
	"time"

	r "github.com/stretchr/testify/require"

	"github.com/ljanyst/citm/pkg/cerrs"
)

type fakeInjector struct {
	mailbox string
	content []byte
}

func (f *fakeInjector) InjectMessage(_ context.Context, mailbox string, content []byte, _ time.Time) error {
	f.mailbox = mailbox
	f.content = content
	return nil
}

func newTestKeyDir(t *testing.T) *KeyDir {
	t.Helper()
	mykey, err := GenerateKeyPair()
	r.NoError(t, err)
	watcher, err := OpenFprWatcher(t.TempDir(), nil)
	r.NoError(t, err)
	return &KeyDir{
		User:    "test@splintermail.com",
		Root:    t.TempDir(),
		MyKey:   mykey,
		Watcher: watcher,
	}
}

func TestProcessMsgPlaintextGetsMangled(t *testing.T) {
	kd := newTestKeyDir(t)
	out, err := kd.ProcessMsg(context.Background(), "INBOX", []byte("Subject: hi\r\n\r\nbody"), time.Now())
	r.NoError(t, err)
	r.Contains(t, string(out), "Subject: NOT ENCRYPTED: hi")
}

func TestProcessMsgNotForMeReturnsSentinel(t *testing.T) {
	kd := newTestKeyDir(t)
	other, err := GenerateKeyPair()
	r.NoError(t, err)

	wire, err := Encrypt([]byte("secret"), []*KeyPair{other})
	r.NoError(t, err)

	_, err = kd.ProcessMsg(context.Background(), "INBOX", wire, time.Now())
	r.True(t, cerrs.Is(err, cerrs.NotForMe))
}

func TestProcessMsgDecryptsAndAlertsOnNewPeer(t *testing.T) {
	kd := newTestKeyDir(t)
	peer, err := GenerateKeyPair()
	r.NoError(t, err)

	inj := &fakeInjector{}
	kd.SetInjector(inj)

	// First message in INBOX marks it synced but the peer fingerprint is
	// new, so ShouldAlertOnDecrypt is false until a mailbox has already
	// been synced once.
	wire1, err := Encrypt([]byte("one"), []*KeyPair{kd.MyKey, peer})
	r.NoError(t, err)
	out1, err := kd.ProcessMsg(context.Background(), "INBOX", wire1, time.Now())
	r.NoError(t, err)
	r.Equal(t, []byte("one"), out1)
	r.Nil(t, inj.content, "no alert: INBOX wasn't synced before this message arrived")

	// A second message, now that INBOX is marked synced, should trigger
	// the alert since the peer fingerprint still hasn't been recorded...
	// but AddFpr from the first message already recorded it. Use a fresh
	// peer to exercise the alerting path.
	peer2, err := GenerateKeyPair()
	r.NoError(t, err)
	wire2, err := Encrypt([]byte("two"), []*KeyPair{kd.MyKey, peer2})
	r.NoError(t, err)
	out2, err := kd.ProcessMsg(context.Background(), "INBOX", wire2, time.Now())
	r.NoError(t, err)
	r.Equal(t, []byte("two"), out2)
	r.Equal(t, "INBOX", inj.mailbox)
	r.Contains(t, string(inj.content), peer2.FingerprintHex())
}

func TestProcessMsgCorruptedFallsBackToMangledNotice(t *testing.T) {
	kd := newTestKeyDir(t)
	bogus := []byte(BeginMarker + "\nnotarealmanifest\n")
	out, err := kd.ProcessMsg(context.Background(), "INBOX", bogus, time.Now())
	r.NoError(t, err)
	r.Contains(t, string(out), "Subject: CITM failed to decrypt message")
}
