package citm

import (
	"context"
	"strings"

	"github.com/ljanyst/citm/pkg/cerrs"
	"github.com/ljanyst/citm/pkg/imapclient"
	"github.com/ljanyst/citm/pkg/imapserver"
	"github.com/ljanyst/citm/pkg/wire"
)

// Anon is the tiny IMAP server personality described in spec.md §4.4:
// it greets, ignores or rejects most commands, and relays exactly one
// LOGIN upstream under its own tag prefix.
type Anon struct {
	server *imapserver.Server
	client *imapclient.Client
	tagger *wire.NextTag
}

// NewAnon wraps an already-greeted server/client pair.
func NewAnon(server *imapserver.Server, client *imapclient.Client) *Anon {
	return &Anon{server: server, client: client, tagger: wire.NewTagger("anon")}
}

// Run drives the Anon state machine (Greeting → PreAuth →
// Authenticating → Done) to completion, returning the credentials on
// success. Cancellation or an IO error tears both endpoints down and
// returns the error, per spec.md §4.4's "any: cancel/IO error" row.
func (a *Anon) Run(ctx context.Context) (user, pass string, err error) {
	if err := a.server.Negotiate(ctx); err != nil {
		a.teardown()
		return "", "", err
	}
	if a.server.LoggedOut() {
		a.teardown()
		return "", "", cerrs.Cancelled
	}

	for {
		cmd, err := a.server.ReadCommandContinuation("spit it out")
		if err != nil {
			if wire.IsSyntaxError(err) {
				if werr := a.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, err.Error())); werr != nil {
					a.teardown()
					return "", "", werr
				}
				continue
			}
			a.teardown()
			return "", "", err
		}

		switch cmd.Verb {
		case "NOOP":
			if err := a.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "zzz...")); err != nil {
				a.teardown()
				return "", "", err
			}
		case "CAPABILITY":
			if err := a.server.WriteLine(wire.FormatUntagged("CAPABILITY IMAP4rev1 IDLE AUTH=PLAIN LOGIN")); err != nil {
				a.teardown()
				return "", "", err
			}
			if err := a.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "now you know, and knowing is half the battle")); err != nil {
				a.teardown()
				return "", "", err
			}
		case "LOGOUT":
			_ = a.server.WriteLine(wire.FormatBye("goodbye"))
			_ = a.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "logout successful"))
			a.server.SetLoggedOut()
			a.teardown()
			return "", "", cerrs.Cancelled
		case "STARTTLS":
			if err := a.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "tls is already active")); err != nil {
				a.teardown()
				return "", "", err
			}
		case "LOGIN":
			u, p, ok := splitLoginArgs(cmd)
			if !ok {
				if err := a.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "syntax error at input: LOGIN")); err != nil {
					a.teardown()
					return "", "", err
				}
				continue
			}
			ok, err := a.relayLogin(u, p)
			if err != nil {
				a.teardown()
				return "", "", err
			}
			if !ok {
				if err := a.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.NO, nil, "nice try, imposter!")); err != nil {
					a.teardown()
					return "", "", err
				}
				continue
			}
			if err := a.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.OK, nil, "oh hey, I know you!")); err != nil {
				a.teardown()
				return "", "", err
			}
			return u, p, nil
		default:
			if err := a.server.WriteLine(wire.FormatTagged(cmd.Tag, wire.BAD, nil, "command not supported")); err != nil {
				a.teardown()
				return "", "", err
			}
		}
	}
}

// splitLoginArgs extracts "<user> <pass>" from cmd.Args, using the
// literal password if one was read as part of the command (spec.md §8
// scenario 1: "1 LOGIN a {1}\r\n" ... "z\r\n").
func splitLoginArgs(cmd wire.Command) (user, pass string, ok bool) {
	fields := strings.Fields(cmd.Args)
	if cmd.Literal != nil {
		if len(fields) < 1 {
			return "", "", false
		}
		return fields[0], string(cmd.Literal), true
	}
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// relayLogin issues `anon<N> LOGIN <user> <pass>` upstream and reports
// whether the server accepted it.
func (a *Anon) relayLogin(user, pass string) (bool, error) {
	tag := a.tagger.Next()
	line := string(tag) + " LOGIN " + user + " " + pass + "\r\n"
	if err := a.client.WriteLine(line); err != nil {
		return false, err
	}
	for {
		resp, _, err := a.client.ReadResponse()
		if err != nil {
			return false, err
		}
		if resp.Type == wire.RespTagged && resp.Tag == tag {
			return resp.Status == wire.OK, nil
		}
		// any untagged chatter before the login reply is ignored; the
		// server hasn't been told about our capabilities yet and
		// shouldn't be sending any.
	}
}

func (a *Anon) teardown() {
	_ = a.server.Cancel(false)
	_ = a.client.Close()
}
