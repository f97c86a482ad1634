// Package imapserver implements the downstream half of an IMAP
// connection (spec.md §4.1), grounded on
// original_source/libcitm/imap_server.c. The original drives a single
// cooperative state machine (advance_state) over callback-based
// read/write/await; this rewrite collapses that into blocking calls
// made from the goroutine that owns the connection, per the
// concurrency rearchitecture recorded in DESIGN.md — same contract
// (greeting, pre-STARTTLS phase, relay mode, bounded write buffer),
// idiomatic Go shape.
package imapserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/ljanyst/citm/pkg/cerrs"
	"github.com/ljanyst/citm/pkg/wire"
)

// Security mirrors spec.md §2's downstream_security setting.
type Security int

const (
	Insecure Security = iota
	StartTLS
	TLS
)

// ParseSecurity maps a settings.DownstreamSecurity value to a Security.
func ParseSecurity(s string) Security {
	switch s {
	case "tls":
		return TLS
	case "starttls":
		return StartTLS
	default:
		return Insecure
	}
}

// writeBufSize is the fixed output buffer spec.md §4.1 calls for
// ("A single output buffer (fixed 4 KiB)").
const writeBufSize = 4096

// Server is one downstream IMAP connection, post-greeting.
type Server struct {
	conn      net.Conn
	br        *bufio.Reader
	bw        *bufio.Writer
	security  Security
	tlsConfig *tls.Config

	loggedOut bool
}

// New wraps conn, sends the greeting, and returns the Server ready for
// Negotiate (if security == StartTLS) or direct relay use.
func New(conn net.Conn, security Security, tlsConfig *tls.Config) (*Server, error) {
	s := &Server{
		conn:      conn,
		br:        bufio.NewReader(conn),
		bw:        bufio.NewWriterSize(conn, writeBufSize),
		security:  security,
		tlsConfig: tlsConfig,
	}
	if err := s.sendGreeting(); err != nil {
		return nil, cerrs.Wrap(err, cerrs.Response)
	}
	return s, nil
}

func (s *Server) sendGreeting() error {
	capas := "IMAP4rev1 IDLE AUTH=PLAIN LOGIN"
	if s.security == StartTLS {
		capas = "IMAP4rev1 IDLE STARTTLS LOGINDISABLED"
	}
	line := fmt.Sprintf("* OK [CAPABILITY %s] greetings, friend!\r\n", capas)
	if _, err := s.bw.WriteString(line); err != nil {
		return err
	}
	return s.bw.Flush()
}

var preStartTLSBlocked = map[string]bool{
	"SELECT": true, "EXAMINE": true, "CREATE": true, "DELETE": true,
	"RENAME": true, "SUBSCRIBE": true, "UNSUBSCRIBE": true, "LIST": true,
	"LSUB": true, "STATUS": true, "APPEND": true, "CHECK": true,
	"CLOSE": true, "EXPUNGE": true, "SEARCH": true, "FETCH": true,
	"STORE": true, "COPY": true, "ENABLE": true, "UNSELECT": true,
	"IDLE": true, "DONE": true,
}

var preStartTLSUnsupported = map[string]bool{
	"AUTHENTICATE": true, "XKEYSYNC": true, "XKEYSYNCDONE": true, "XKEYADD": true,
}

// Negotiate runs the pre-STARTTLS phase described in spec.md §4.1. It
// is a no-op (returning nil immediately) unless security == StartTLS.
// On success the connection is upgraded to TLS and the Server is ready
// for relay mode. Returns cerrs.Response wrapping io.EOF-class errors,
// and a plain nil with s.loggedOut set true if the client logged out
// before ever starting TLS.
func (s *Server) Negotiate(ctx context.Context) error {
	if s.security != StartTLS {
		return nil
	}

	for {
		cmd, err := wire.ReadCommand(s.br, func() error { return s.replyContinuation("OK") })
		if err != nil {
			if wire.IsSyntaxError(err) {
				if werr := s.replyFlush(cmd.Tag, wire.BAD, err.Error()); werr != nil {
					return werr
				}
				continue
			}
			return cerrs.Wrap(err, cerrs.Response)
		}

		switch cmd.Verb {
		case "NOOP":
			if err := s.replyFlush(cmd.Tag, wire.OK, "zzz..."); err != nil {
				return err
			}
		case "CAPABILITY":
			if _, err := s.bw.WriteString(wire.FormatUntagged("CAPABILITY IMAP4rev1 IDLE STARTTLS LOGINDISABLED")); err != nil {
				return err
			}
			if err := s.replyFlush(cmd.Tag, wire.OK, "lookie there"); err != nil {
				return err
			}
		case "LOGOUT":
			if _, err := s.bw.WriteString(wire.FormatBye("logging out")); err != nil {
				return err
			}
			if err := s.replyFlush(cmd.Tag, wire.OK, "logout successful"); err != nil {
				return err
			}
			s.loggedOut = true
			return nil
		case "LOGIN":
			if err := s.replyFlush(cmd.Tag, wire.NO, "did you just leak your password on an unencrypted connection?"); err != nil {
				return err
			}
		case "STARTTLS":
			if err := s.replyFlush(cmd.Tag, wire.OK, "it's about time"); err != nil {
				return err
			}
			return cerrs.Wrap(s.upgradeToTLS(ctx), cerrs.Ssl)
		default:
			if preStartTLSBlocked[cmd.Verb] {
				if err := s.replyFlush(cmd.Tag, wire.BAD, "it's too early for that"); err != nil {
					return err
				}
				continue
			}
			if err := s.replyFlush(cmd.Tag, wire.BAD, "command not supported"); err != nil {
				return err
			}
			_ = preStartTLSUnsupported // documents the unsupported set; same reply either way
		}
	}
}

func (s *Server) replyFlush(tag wire.Tag, status wire.Status, text string) error {
	if _, err := s.bw.WriteString(wire.FormatTagged(tag, status, nil, text)); err != nil {
		return err
	}
	return s.bw.Flush()
}

// replyContinuation emits a `+ <text>\r\n` continuation request and
// flushes it, used by ReadCommand to ask the peer for a declared
// literal's bytes.
func (s *Server) replyContinuation(text string) error {
	if _, err := s.bw.WriteString(fmt.Sprintf("+ %s\r\n", text)); err != nil {
		return err
	}
	return s.bw.Flush()
}

// prefixedConn replays already-buffered bytes before reading fresh ones
// off the underlying connection, implementing spec.md §4.1's "wraps the
// transport with a server-side TLS session using any bytes already read
// after the STARTTLS as TLS pre-input".
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

func (s *Server) upgradeToTLS(ctx context.Context) error {
	buffered := s.br.Buffered()
	prefix := make([]byte, buffered)
	if buffered > 0 {
		if _, err := io.ReadFull(s.br, prefix); err != nil {
			return err
		}
	}
	tlsConn := tls.Server(&prefixedConn{Conn: s.conn, prefix: prefix}, s.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	s.conn = tlsConn
	s.br = bufio.NewReader(tlsConn)
	s.bw = bufio.NewWriterSize(tlsConn, writeBufSize)
	return nil
}

// ReadCommand reads the next relay-mode command from the client,
// requesting any declared literal with generic continuation phrasing.
func (s *Server) ReadCommand() (wire.Command, error) {
	return s.ReadCommandContinuation("OK")
}

// ReadCommandContinuation is ReadCommand but lets the caller pick the
// continuation phrasing for a declared literal — spec.md §4.4's Anon
// personality uses "spit it out" for the LOGIN password literal.
func (s *Server) ReadCommandContinuation(contText string) (wire.Command, error) {
	cmd, err := wire.ReadCommand(s.br, func() error { return s.replyContinuation(contText) })
	if err != nil {
		if wire.IsSyntaxError(err) {
			return cmd, err
		}
		return cmd, cerrs.Wrap(err, cerrs.Response)
	}
	return cmd, nil
}

// ReadLine reads one raw line from the client, used for IDLE's bare
// "DONE" terminator, which isn't itself a tagged command.
func (s *Server) ReadLine() (string, error) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		return "", cerrs.Wrap(err, cerrs.Response)
	}
	return line, nil
}

// WriteLine writes a complete, already-formatted response line (or
// several) to the client and flushes it, satisfying spec.md §4.1's
// "write_cb fires exactly once per response submitted, in submission
// order" by making every WriteLine call synchronous from the owner's
// point of view.
func (s *Server) WriteLine(line string) error {
	if _, err := s.bw.WriteString(line); err != nil {
		return cerrs.Wrap(err, cerrs.Response)
	}
	return cerrs.Wrap(s.bw.Flush(), cerrs.Response)
}

// LoggedOut reports whether the client issued LOGOUT during Negotiate.
func (s *Server) LoggedOut() bool { return s.loggedOut }

// SetLoggedOut marks a relay-mode LOGOUT handled by the Session, so a
// subsequent Cancel does not also emit a broken-conn BYE.
func (s *Server) SetLoggedOut() { s.loggedOut = true }

// Shutdown drains buffered writes and half-closes the write side, used
// on the broken-conn path (spec.md §4.1 "shutdown(cb)").
func (s *Server) Shutdown() error {
	if err := s.bw.Flush(); err != nil {
		return err
	}
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Cancel tears the connection down. If brokenConn, it first emits the
// broken-connection BYE per spec.md §4.1.
func (s *Server) Cancel(brokenConn bool) error {
	if brokenConn && !s.loggedOut {
		_ = s.WriteLine(wire.FormatBye("broken connection to upstream server"))
	}
	return s.conn.Close()
}

// Close releases the underlying connection without sending anything.
func (s *Server) Close() error { return s.conn.Close() }
