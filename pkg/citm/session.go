package citm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ljanyst/citm/pkg/imapclient"
	"github.com/ljanyst/citm/pkg/imapserver"
	"github.com/ljanyst/citm/pkg/keydir"
	"github.com/ljanyst/citm/pkg/listener"
	"github.com/ljanyst/citm/pkg/maildir"
	"github.com/ljanyst/citm/pkg/wire"
)

// Session is the steady-state stage described in spec.md §4.6: the
// authoritative component owning the KeyDir, the mail cache, and every
// (ImapServer, ImapClient) pair currently logged in for this user.
//
// Architecture note (see DESIGN.md): the original's single shared
// upstream "fetcher" connection, continuously polling the server in
// the background and pushing updates into the cache asynchronously
// with the Session's own passthru traffic, is not ported as a
// concurrent background loop. Each attached pair drives its own
// upstream connection and fills the shared cache synchronously,
// on demand (lazily on FETCH of an uncached UID; SELECT only reconciles
// the cache's UIDVALIDITY/UIDNEXT with the server's).
// This keeps the relay-discrimination problem (§4.6 "Relay
// discrimination") moot — there is no concurrent unsolicited traffic
// to classify — at the cost of not modeling continuous background
// sync. KeyDir/DirMgr mutation remains safely shared across pairs via
// DirMgr's own per-mailbox locking (§5 "Shared-resource policy").
type Session struct {
	user   string
	kd     *keydir.KeyDir
	dm     *maildir.DirMgr
	events listener.Listener

	wg sync.WaitGroup
}

// NewSession constructs a Session around its KeyDir and mail cache,
// installing the decryption/encryption hook (spec.md §4.8) on the
// cache. Pairs are added with Attach.
func NewSession(user string, kd *keydir.KeyDir, dm *maildir.DirMgr, ev listener.Listener) *Session {
	installProcessMsg(kd, dm, ev)
	return &Session{user: user, kd: kd, dm: dm, events: ev}
}

// Attach starts a new connHandler goroutine serving (server, client).
func (s *Session) Attach(server *imapserver.Server, client *imapclient.Client) {
	ch := &connHandler{
		sess:   s,
		server: server,
		client: client,
		tagger: wire.NewTagger("sc"),
		ctx:    context.Background(),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch.run()
	}()
}

// Run blocks until every attached pair has disconnected.
func (s *Session) Run(ctx context.Context) {
	s.wg.Wait()
}

// passthruVerbs are the commands relayed upstream under a fresh sc<N>
// tag (spec.md §4.6 item 1). APPEND is dispatched separately (it needs
// its own sub-protocol, §4.7); DELETE/RENAME/STATUS get their own
// pre/post hooks but are still "passthru" in the spec's classification.
var passthruVerbs = map[string]bool{
	"SUBSCRIBE": true, "UNSUBSCRIBE": true, "CREATE": true,
	"LIST": true, "LSUB": true, "STATUS": true,
	"DELETE": true, "RENAME": true, "COPY": true,
}

// connHandler drives one (ImapServer, ImapClient) pair through the
// Session's per-command dispatch.
type connHandler struct {
	sess   *Session
	server *imapserver.Server
	client *imapclient.Client
	tagger *wire.NextTag
	ctx    context.Context

	selected string
	examine  bool
	up       *maildir.UpDriver
	dn       *maildir.DnDriver
}

func (ch *connHandler) run() {
	for {
		cmd, err := ch.server.ReadCommand()
		if err != nil {
			if wire.IsSyntaxError(err) {
				if werr := ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, err.Error())); werr != nil {
					ch.abort()
					return
				}
				continue
			}
			ch.abort()
			return
		}

		var herr error
		switch {
		case cmd.Verb == "LOGOUT":
			ch.handleLogout(cmd)
			return
		case cmd.Verb == "NOOP":
			herr = ch.handleNoop(cmd)
		case cmd.Verb == "CAPABILITY":
			herr = ch.handleCapability(cmd)
		case cmd.Verb == "SELECT":
			herr = ch.handleSelect(cmd, false)
		case cmd.Verb == "EXAMINE":
			herr = ch.handleSelect(cmd, true)
		case cmd.Verb == "CLOSE":
			herr = ch.handleClose(cmd)
		case cmd.Verb == "APPEND":
			herr = ch.handleAppend(cmd)
		case cmd.Verb == "STORE":
			herr = ch.handleStore(cmd)
		case cmd.Verb == "EXPUNGE":
			herr = ch.handleExpunge(cmd)
		case cmd.Verb == "FETCH":
			herr = ch.handleFetch(cmd)
		case cmd.Verb == "UID":
			herr = ch.handleUID(cmd)
		case cmd.Verb == "CHECK":
			herr = ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "check complete"))
		case cmd.Verb == "SEARCH":
			herr = ch.handleSearch(cmd)
		case cmd.Verb == "IDLE":
			herr = ch.handleIdle(cmd)
		case cmd.Verb == "STARTTLS":
			herr = ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "tls is already active"))
		case cmd.Verb == "AUTHENTICATE" || cmd.Verb == "LOGIN":
			herr = ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "already logged in"))
		case passthruVerbs[cmd.Verb]:
			herr = ch.handlePassthru(cmd)
		default:
			// ENABLE, UNSELECT, XKEYSYNC*, XKEYADD: spec.md §4.6 item 7.
			herr = ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "command not supported"))
		}
		if herr != nil {
			ch.abort()
			return
		}
	}
}

func (ch *connHandler) handleNoop(cmd wire.Command) error {
	if err := ch.flushCacheUpdates(); err != nil {
		return err
	}
	return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "NOOP completed"))
}

// flushCacheUpdates implements spec.md §4.6 item 2: NOOP/CAPABILITY
// "additionally flush pending cache updates downstream by calling the
// downstream driver's gather_updates(allow_expunges=true,
// uid_mode=false)". A no-op when nothing is selected.
func (ch *connHandler) flushCacheUpdates() error {
	if ch.dn == nil {
		return nil
	}
	lines, err := ch.dn.GatherUpdates(true, false)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if err := ch.server.WriteLine(l); err != nil {
			return err
		}
	}
	return nil
}

// handleCapability answers CAPABILITY with exactly what spec.md §3
// says the downstream server announces post-login: the same set as
// the greeting. ENABLE/UIDPLUS/CONDSTORE/QRESYNC/UNSELECT are upstream
// requirements (verified by imapclient.Dial), not commands this
// Session implements for the downstream client, so they are not
// advertised here.
func (ch *connHandler) handleCapability(cmd wire.Command) error {
	capas := "CAPABILITY IMAP4rev1 IDLE AUTH=PLAIN LOGIN"
	if err := ch.server.WriteLine(wire.FormatUntagged(capas)); err != nil {
		return err
	}
	if err := ch.flushCacheUpdates(); err != nil {
		return err
	}
	return ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "CAPABILITY completed"))
}

// handleLogout implements spec.md §4.6 "Logout": disconnect any
// selection (no expunge), exact wire text, then tear both endpoints
// down.
func (ch *connHandler) handleLogout(cmd wire.Command) {
	_ = ch.disconnectSelection()
	_ = ch.server.WriteLine(wire.FormatBye("goodbye, my love..."))
	_ = ch.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "I'm gonna be strong, I can make it through this"))
	ch.server.SetLoggedOut()
	_ = ch.server.Cancel(false)
	_ = ch.client.Close()
}

// awaitTagged reads responses from the upstream client until the one
// tagged with tag arrives, discarding anything else (there is no
// concurrent unsolicited traffic on a per-pair upstream connection;
// see the architecture note on Session).
func (ch *connHandler) awaitTagged(tag wire.Tag) (wire.Response, error) {
	for {
		resp, _, err := ch.client.ReadResponse()
		if err != nil {
			return wire.Response{}, err
		}
		if resp.Type == wire.RespTagged && resp.Tag == tag {
			return resp, nil
		}
	}
}

// awaitTaggedCollect is awaitTagged but also returns every untagged
// response seen while waiting, for callers (SELECT/EXAMINE) that must
// reconcile server-reported mailbox state into the cache rather than
// discard it.
func (ch *connHandler) awaitTaggedCollect(tag wire.Tag) (wire.Response, []wire.Response, error) {
	var untagged []wire.Response
	for {
		resp, _, err := ch.client.ReadResponse()
		if err != nil {
			return wire.Response{}, nil, err
		}
		if resp.Type == wire.RespTagged && resp.Tag == tag {
			return resp, untagged, nil
		}
		untagged = append(untagged, resp)
	}
}

// replyTagged translates an upstream tagged reply to the downstream
// tag, stripping any status code the local client never asked for
// (spec.md §4.6's strip table).
func (ch *connHandler) replyTagged(downstreamTag wire.Tag, resp wire.Response) error {
	code := wire.StripUnsupported(resp.Code)
	text := resp.Text
	if text == "" {
		text = fmt.Sprintf("%s done", cmdDoneWord(resp.Status))
	}
	return ch.server.WriteLine(wire.FormatTagged(downstreamTag, resp.Status, code, text))
}

func cmdDoneWord(status wire.Status) string {
	switch status {
	case wire.OK:
		return "OK"
	case wire.NO:
		return "NO"
	default:
		return "BAD"
	}
}

func (ch *connHandler) abort() {
	_ = ch.server.Cancel(true)
	_ = ch.client.Close()
}
