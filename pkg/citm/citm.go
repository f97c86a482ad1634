// Package citm implements the session core described in spec.md §2-§5:
// the per-connection state machine that takes a downstream client
// connection from Connecting through Anon, PreUser and Session, and
// the Citm registry that owns the live instances of each stage keyed
// by user. Grounded on original_source/libcitm's registry.c (the four
// collections: IoPairs, Anons, PreUsers, Sessions) and citm.c's
// top-level accept loop, rearchitected per the scheduler notes in
// DESIGN.md: one goroutine per accepted connection, context.Context
// for cancellation, plain channels where the original used scheduler
// callbacks.
package citm

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/cerrs"
	"github.com/ljanyst/citm/pkg/events"
	"github.com/ljanyst/citm/pkg/imapclient"
	"github.com/ljanyst/citm/pkg/imapserver"
	"github.com/ljanyst/citm/pkg/keydir"
	"github.com/ljanyst/citm/pkg/listener"
	"github.com/ljanyst/citm/pkg/maildir"
)

var log = logrus.WithField("pkg", "citm")

// Config is the fixed, process-wide configuration every stage reads
// from (spec.md §2's connection/extension-set data, §6's persistence
// root).
type Config struct {
	DownstreamSecurity imapserver.Security
	DownstreamTLS      *tls.Config

	UpstreamAddr       string
	UpstreamSecurity   imapclient.Security
	UpstreamVerifyName string
	UpstreamTLS        *tls.Config

	// KeyDirRoot is "<root>" in spec.md §6's persistence layout
	// (<root>/<user>/keys, /fingerprints, /mail).
	KeyDirRoot string
}

// Hold is the registry's parking slot (spec.md §3 "Hold"): when an
// incoming connection finds an existing user whose Session is
// shutting down, it waits here until the Session's completion fires,
// then is drained into a fresh PreUser.
type Hold struct {
	user  string
	pairs []*pendingPair
}

type pendingPair struct {
	server *imapserver.Server
	client *imapclient.Client
	pass   string
}

// Citm is the top-level registry owning every live stage object,
// keyed by user where the stage is per-user (spec.md §2).
type Citm struct {
	cfg    Config
	events listener.Listener

	mu       sync.Mutex
	preUsers map[string]*PreUser
	sessions map[string]*Session
	holds    map[string]*Hold
}

// New constructs an empty registry, wiring its own process-local event
// bus (spec.md §1 leaves observability out of scope, but the ambient
// lifecycle events below — XKEYSYNC completion, new-device alerts,
// disconnects — still fire for whatever subscriber events.SetupEvents
// eventually attaches).
func New(cfg Config) *Citm {
	c := &Citm{
		cfg:      cfg,
		events:   listener.New(),
		preUsers: make(map[string]*PreUser),
		sessions: make(map[string]*Session),
		holds:    make(map[string]*Hold),
	}
	events.SetupEvents(c.events)
	return c
}

// Events exposes the registry's event bus so a caller (cmd/citm) can
// subscribe before accepting connections.
func (c *Citm) Events() listener.Listener { return c.events }

// AcceptDownstream drives one accepted downstream connection through
// every stage to completion: IoPair (dial upstream) → Anon (greet +
// LOGIN) → PreUser (XKEYSYNC) → Session (steady state), blocking until
// the connection's Session-or-earlier stage is fully done. Callers
// normally invoke this in its own goroutine per accepted net.Conn
// (spec.md §5: "one goroutine per IoPair/Session").
func (c *Citm) AcceptDownstream(ctx context.Context, conn net.Conn) {
	// connID correlates every log line this connection produces, from
	// the upstream dial through whichever stage it eventually ends up
	// abandoned or torn down in, across Anon/PreUser/Session.
	connLog := log.WithField("conn", uuid.NewString())

	upstream, err := connectUpstream(ctx, conn, c.cfg)
	if err != nil {
		if !isCancelled(err) {
			connLog.WithError(err).Warn("iopair: failed to connect upstream")
		}
		return
	}

	server, err := imapserver.New(conn, c.cfg.DownstreamSecurity, c.cfg.DownstreamTLS)
	if err != nil {
		connLog.WithError(err).Warn("anon: failed to greet downstream")
		upstream.Close()
		return
	}

	anon := NewAnon(server, upstream)
	user, pass, err := anon.Run(ctx)
	if err != nil {
		if !isCancelled(err) {
			connLog.WithError(err).Info("anon: session ended before login")
		}
		return
	}

	c.handleLoggedIn(ctx, user, pass, server, upstream, connLog)
}

// handleLoggedIn attaches (server, upstream) to this user's existing
// PreUser/Session if one is running, parks it in a Hold if the
// existing Session is mid-shutdown, or starts a fresh PreUser.
func (c *Citm) handleLoggedIn(ctx context.Context, user, pass string, server *imapserver.Server, upstream *imapclient.Client, connLog *logrus.Entry) {
	c.mu.Lock()
	if pu, ok := c.preUsers[user]; ok {
		c.mu.Unlock()
		pu.Attach(server, upstream)
		return
	}
	if sess, ok := c.sessions[user]; ok {
		c.mu.Unlock()
		sess.Attach(server, upstream)
		return
	}
	if h, ok := c.holds[user]; ok {
		h.pairs = append(h.pairs, &pendingPair{server: server, client: upstream, pass: pass})
		c.mu.Unlock()
		return
	}

	kd, err := keydir.Open(c.cfg.KeyDirRoot, user)
	if err != nil {
		c.mu.Unlock()
		connLog.WithError(err).WithField("user", user).Error("failed to open keydir")
		server.Cancel(true)
		upstream.Close()
		return
	}
	dm, err := maildir.Open(kd.Root + "/mail")
	if err != nil {
		c.mu.Unlock()
		connLog.WithError(err).WithField("user", user).Error("failed to open mail cache")
		server.Cancel(true)
		upstream.Close()
		return
	}
	kd.SetInjector(dm)

	pu := NewPreUser(user, pass, kd, dm, server, upstream, c.events)
	c.preUsers[user] = pu
	c.mu.Unlock()

	go c.runPreUser(ctx, pu, connLog)
}

func (c *Citm) runPreUser(ctx context.Context, pu *PreUser, connLog *logrus.Entry) {
	sess, err := pu.Run(ctx)

	c.mu.Lock()
	delete(c.preUsers, pu.user)
	if err != nil {
		c.mu.Unlock()
		if !isCancelled(err) {
			connLog.WithError(err).WithField("user", pu.user).Warn("preuser: xkeysync failed")
		}
		return
	}
	c.sessions[pu.user] = sess
	c.mu.Unlock()

	sess.Run(ctx)
	c.events.Emit(events.CloseConnectionEvent, pu.user)

	c.mu.Lock()
	delete(c.sessions, pu.user)
	hold := c.holds[pu.user]
	delete(c.holds, pu.user)
	c.mu.Unlock()

	if hold != nil {
		c.drainHold(ctx, hold, connLog)
	}
}

func (c *Citm) drainHold(ctx context.Context, h *Hold, connLog *logrus.Entry) {
	for _, p := range h.pairs {
		c.handleLoggedIn(ctx, h.user, p.pass, p.server, p.client, connLog)
	}
}

func isCancelled(err error) bool { return cerrs.AsCancelled(err) }
