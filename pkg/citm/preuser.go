package citm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/cerrs"
	"github.com/ljanyst/citm/pkg/events"
	"github.com/ljanyst/citm/pkg/imapclient"
	"github.com/ljanyst/citm/pkg/imapserver"
	"github.com/ljanyst/citm/pkg/keydir"
	"github.com/ljanyst/citm/pkg/listener"
	"github.com/ljanyst/citm/pkg/maildir"
	"github.com/ljanyst/citm/pkg/wire"
)

// pair is one downstream/upstream connection pair parked in a PreUser
// or handed off to a Session.
type pair struct {
	server *imapserver.Server
	client *imapclient.Client
}

// PreUser owns a user's KeyDir and the "xkey-client" upstream
// connection for exactly as long as the one-shot XKEYSYNC protocol
// described in spec.md §4.5 takes to run. Additional downstream/
// upstream pairs logging in for the same user while XKEYSYNC is in
// flight are parked via Attach and handed to the resulting Session
// together with the first pair.
type PreUser struct {
	user string
	pass string

	kd *keydir.KeyDir
	dm *maildir.DirMgr

	events listener.Listener

	tagger *wire.NextTag

	mu      sync.Mutex
	pairs   []pair
	started bool
}

// NewPreUser constructs a PreUser around its first (server, upstream)
// pair. upstream is the xkey-client: the same connection that will
// keep serving the Session afterward.
func NewPreUser(user, pass string, kd *keydir.KeyDir, dm *maildir.DirMgr, server *imapserver.Server, upstream *imapclient.Client, ev listener.Listener) *PreUser {
	return &PreUser{
		user:   user,
		pass:   pass,
		kd:     kd,
		dm:     dm,
		events: ev,
		tagger: wire.NewTagger("preuser"),
		pairs:  []pair{{server: server, client: upstream}},
	}
}

// Attach parks an additional pair for this user while XKEYSYNC is
// still running; it will be handed a Session once Run completes.
func (pu *PreUser) Attach(server *imapserver.Server, client *imapclient.Client) {
	pu.mu.Lock()
	defer pu.mu.Unlock()
	pu.pairs = append(pu.pairs, pair{server: server, client: client})
}

// Run executes the one-shot protocol in spec.md §4.5: LOGIN, then a
// pipelined XKEYSYNC/DONE exchange reconciling every CREATED/DELETED
// line against the KeyDir, then hands every parked pair to a fresh
// Session. The xkey-client (pairs[0].client) becomes the Session's
// upstream driver connection.
func (pu *PreUser) Run(ctx context.Context) (*Session, error) {
	xkeyClient := pu.pairs[0].client

	if err := pu.login(xkeyClient); err != nil {
		pu.failAll(err)
		return nil, err
	}

	if err := pu.runXKeySync(ctx, xkeyClient); err != nil {
		pu.failAll(err)
		return nil, err
	}

	if err := pu.kd.MarkXKeySyncCompleted(); err != nil {
		err = cerrs.Wrap(err, cerrs.Internal)
		pu.failAll(err)
		return nil, err
	}
	if pu.events != nil {
		pu.events.Emit(events.XKeySyncDoneEvent, pu.user)
	}

	pu.mu.Lock()
	pairs := pu.pairs
	pu.mu.Unlock()

	sess := NewSession(pu.user, pu.kd, pu.dm, pu.events)
	for _, p := range pairs {
		sess.Attach(p.server, p.client)
	}
	return sess, nil
}

func (pu *PreUser) login(c *imapclient.Client) error {
	tag := pu.tagger.Next()
	line := fmt.Sprintf("%s LOGIN %s %s\r\n", tag, pu.user, pu.pass)
	if err := c.WriteLine(line); err != nil {
		return err
	}
	for {
		resp, _, err := c.ReadResponse()
		if err != nil {
			return err
		}
		if resp.Type == wire.RespTagged && resp.Tag == tag {
			if resp.Status != wire.OK {
				return cerrs.Wrap(fmt.Errorf("upstream rejected preuser login: %s", resp.Text), cerrs.Response)
			}
			return nil
		}
	}
}

// runXKeySync issues `preuserN XKEYSYNC <fpr>...` immediately followed
// by a pipelined `DONE`, per spec.md §4.5 step 2 ("the session will not
// pipeline further" — these two lines go out back to back with no
// intervening read).
func (pu *PreUser) runXKeySync(ctx context.Context, c *imapclient.Client) error {
	tag := pu.tagger.Next()

	var fprs []string
	for _, kp := range pu.kd.AllKeys() {
		fprs = append(fprs, kp.FingerprintHex())
	}
	cmd := fmt.Sprintf("%s XKEYSYNC %s\r\n", tag, strings.Join(fprs, " "))
	if err := c.WriteLine(cmd); err != nil {
		return err
	}
	if err := c.WriteLine("DONE\r\n"); err != nil {
		return err
	}

	for {
		resp, _, err := c.ReadResponse()
		if err != nil {
			return err
		}

		if resp.Type == wire.RespTagged {
			if resp.Tag != tag {
				return cerrs.Wrap(fmt.Errorf("unexpected tagged response %s during xkeysync", resp.Tag), cerrs.Response)
			}
			if resp.Status != wire.OK {
				return cerrs.Wrap(fmt.Errorf("upstream rejected xkeysync: %s", resp.Text), cerrs.Response)
			}
			return nil
		}

		if resp.Verb != "XKEYSYNC" {
			return cerrs.Wrap(fmt.Errorf("unexpected untagged response during xkeysync: %s", resp.Verb), cerrs.Response)
		}

		fields := strings.Fields(resp.Args)
		if len(fields) == 0 {
			return cerrs.Wrap(fmt.Errorf("empty XKEYSYNC response"), cerrs.Response)
		}

		switch fields[0] {
		case "OK":
			// sentinel: the CREATED/DELETED stream is over; the tagged
			// reply for tag follows.
			continue
		case "CREATED":
			n, _, ok := wire.ParseLiteralDecl(resp.Args)
			if !ok {
				return cerrs.Wrap(fmt.Errorf("XKEYSYNC CREATED without a literal length"), cerrs.Response)
			}
			pem, err := c.ReadLiteral(n)
			if err != nil {
				return err
			}
			if err := pu.kd.AddKeyFromServer(ctx, string(pem), true); err != nil {
				return err
			}
		case "DELETED":
			if len(fields) < 2 {
				return cerrs.Wrap(fmt.Errorf("XKEYSYNC DELETED without a fingerprint"), cerrs.Response)
			}
			fprHex := fields[1]
			if fprHex == pu.kd.MyKey.FingerprintHex() {
				if err := pu.reuploadMyKey(c); err != nil {
					return err
				}
			} else {
				pu.kd.DeleteKey(fprHex)
			}
		default:
			return cerrs.Wrap(fmt.Errorf("unrecognized XKEYSYNC response: %s", resp.Args), cerrs.Response)
		}
	}
}

// reuploadMyKey handles the "server deleted mykey" branch of spec.md
// §4.5 step 2: `preuserN XKEYADD {n+}\r\n<mykey-pem>`, whose OK is
// mandatory.
func (pu *PreUser) reuploadMyKey(c *imapclient.Client) error {
	tag := pu.tagger.Next()
	pub := pu.kd.MyKey.ArmoredPub
	cmd := fmt.Sprintf("%s XKEYADD {%d+}\r\n%s\r\n", tag, len(pub), pub)
	if err := c.WriteLine(cmd); err != nil {
		return err
	}
	for {
		resp, _, err := c.ReadResponse()
		if err != nil {
			return err
		}
		if resp.Type == wire.RespTagged && resp.Tag == tag {
			if resp.Status != wire.OK {
				return cerrs.Wrap(fmt.Errorf("upstream rejected mandatory xkeyadd: %s", resp.Text), cerrs.Response)
			}
			return nil
		}
	}
}

// failAll tears every parked pair down after the XKEYSYNC protocol
// fails partway through (login ok, sync rejected, etc). Each pair's
// server/client teardown can itself fail independently; multierror
// aggregates them so the caller's one log line names every pair that
// didn't close cleanly instead of only the first.
func (pu *PreUser) failAll(err error) {
	pu.mu.Lock()
	pairs := pu.pairs
	pu.mu.Unlock()

	var result *multierror.Error
	for _, p := range pairs {
		if cerr := p.server.Cancel(true); cerr != nil {
			result = multierror.Append(result, cerr)
		}
		if cerr := p.client.Close(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
	}
	if result != nil {
		log.WithError(result.ErrorOrNil()).
			WithFields(logrus.Fields{"user": pu.user, "cause": err}).
			Debug("preuser: errors tearing down parked pairs")
	}
}
