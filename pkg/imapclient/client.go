// Package imapclient implements the upstream half of an IMAP
// connection (spec.md §4.2), symmetric to pkg/imapserver but for the
// client role: it dials (or is handed) the connection to the real
// Splintermail server, waits for the greeting before becoming
// writable, and performs client-side STARTTLS. Grounded on
// original_source/libcitm (the client role is symmetric to
// imap_server.c per spec.md §4.2's own text) and on
// other_examples/esukram-ro-imap-proxy's DialUpstream/LoginUpstream for
// the idiomatic Go dial+greeting+STARTTLS sequence.
package imapclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ljanyst/citm/pkg/cerrs"
	"github.com/ljanyst/citm/pkg/wire"
)

// Security mirrors imapserver.Security for the upstream dial.
type Security int

const (
	Insecure Security = iota
	StartTLS
	TLS
)

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

// Client is one upstream IMAP connection, post-greeting.
type Client struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	// Greeting is the raw untagged greeting line the server sent.
	Greeting string
}

// Dial connects to addr, negotiates TLS per security, reads the
// greeting (becoming writable only afterward, per spec.md §4.2), and
// returns the Client. verifyName overrides the TLS ServerName checked
// against the presented certificate (spec.md §4.2: "whose verification
// name is the connection's verify_name").
func Dial(ctx context.Context, addr string, security Security, verifyName string, tlsConfig *tls.Config) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, cerrs.Wrap(err, cerrs.Response)
	}

	cfg := tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if verifyName != "" {
		cfg = cfg.Clone()
		cfg.ServerName = verifyName
	}

	if security == TLS {
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, cerrs.Wrap(err, cerrs.Ssl)
		}
		conn = tlsConn
	}

	c := &Client{conn: conn, br: bufio.NewReader(conn), bw: bufio.NewWriter(conn)}

	greeting, err := c.br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, cerrs.Wrap(err, cerrs.Response)
	}
	if !strings.HasPrefix(greeting, "* OK") && !strings.HasPrefix(greeting, "* PREAUTH") {
		conn.Close()
		return nil, cerrs.Wrap(fmt.Errorf("unexpected greeting: %s", strings.TrimRight(greeting, "\r\n")), cerrs.Response)
	}
	c.Greeting = greeting

	if security == StartTLS {
		if err := c.startTLS(ctx, cfg, tag()); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if err := c.verifyCapabilities(); err != nil {
		c.conn.Close()
		return nil, err
	}
	if err := c.enableExtensions(); err != nil {
		c.conn.Close()
		return nil, err
	}

	return c, nil
}

// requiredCapabilities is spec.md §3's upstream extension set: "the
// core requires IMAP4rev1, ENABLE, UIDPLUS, CONDSTORE, QRESYNC,
// UNSELECT, IDLE; missing any is fatal for the session."
var requiredCapabilities = []string{
	"IMAP4REV1", "ENABLE", "UIDPLUS", "CONDSTORE", "QRESYNC", "UNSELECT", "IDLE",
}

// verifyCapabilities issues CAPABILITY and fails with a cerrs.Response
// error if the server is missing anything requiredCapabilities names.
func (c *Client) verifyCapabilities() error {
	t := tag()
	if err := c.WriteLine(fmt.Sprintf("%s CAPABILITY\r\n", t)); err != nil {
		return err
	}

	caps := map[string]bool{}
	for {
		resp, _, err := c.ReadResponse()
		if err != nil {
			return cerrs.Wrap(err, cerrs.Response)
		}
		if resp.Type == wire.RespUntagged && resp.Verb == "CAPABILITY" {
			for _, f := range strings.Fields(resp.Args) {
				caps[strings.ToUpper(f)] = true
			}
			continue
		}
		if resp.Type == wire.RespTagged && resp.Tag == t {
			if resp.Status != wire.OK {
				return cerrs.Wrap(fmt.Errorf("upstream rejected CAPABILITY: %s", resp.Text), cerrs.Response)
			}
			break
		}
	}

	for _, req := range requiredCapabilities {
		if !caps[req] {
			return cerrs.Wrap(fmt.Errorf("upstream server missing required capability %s", req), cerrs.Response)
		}
	}
	return nil
}

// enableExtensions issues "ENABLE CONDSTORE QRESYNC" once per upstream
// connection before use, per spec.md §6 ("It issues ENABLE CONDSTORE
// QRESYNC once per upstream connection before use").
func (c *Client) enableExtensions() error {
	t := tag()
	if err := c.WriteLine(fmt.Sprintf("%s ENABLE CONDSTORE QRESYNC\r\n", t)); err != nil {
		return err
	}
	for {
		resp, _, err := c.ReadResponse()
		if err != nil {
			return cerrs.Wrap(err, cerrs.Response)
		}
		if resp.Type == wire.RespUntagged && resp.Verb == "ENABLED" {
			continue
		}
		if resp.Type == wire.RespTagged && resp.Tag == t {
			if resp.Status != wire.OK {
				return cerrs.Wrap(fmt.Errorf("upstream rejected ENABLE CONDSTORE QRESYNC: %s", resp.Text), cerrs.Response)
			}
			return nil
		}
	}
}

var tagCounter uint64

func tag() wire.Tag {
	tagCounter++
	return wire.Tag(fmt.Sprintf("xup%d", tagCounter))
}

func (c *Client) startTLS(ctx context.Context, cfg *tls.Config, t wire.Tag) error {
	if _, err := c.bw.WriteString(fmt.Sprintf("%s STARTTLS\r\n", t)); err != nil {
		return cerrs.Wrap(err, cerrs.Response)
	}
	if err := c.bw.Flush(); err != nil {
		return cerrs.Wrap(err, cerrs.Response)
	}

	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return cerrs.Wrap(err, cerrs.Response)
		}
		if !strings.HasPrefix(line, string(t)+" ") {
			// ignore any untagged chatter preceding the tagged STARTTLS reply
			continue
		}
		if !strings.Contains(line, " OK") {
			return cerrs.Wrap(fmt.Errorf("upstream rejected STARTTLS: %s", strings.TrimRight(line, "\r\n")), cerrs.Response)
		}
		break
	}

	if c.br.Buffered() != 0 {
		// the server must not send TLS data before our handshake begins
		return cerrs.Wrap(fmt.Errorf("unexpected data buffered before STARTTLS handshake"), cerrs.Response)
	}

	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return cerrs.Wrap(err, cerrs.Ssl)
	}
	c.conn = tlsConn
	c.br = bufio.NewReader(tlsConn)
	c.bw = bufio.NewWriter(tlsConn)
	return nil
}

// WriteLine writes and flushes a complete command line to the server.
func (c *Client) WriteLine(line string) error {
	if _, err := c.bw.WriteString(line); err != nil {
		return cerrs.Wrap(err, cerrs.Response)
	}
	return cerrs.Wrap(c.bw.Flush(), cerrs.Response)
}

// ReadResponse reads the next response line from the server. Relay
// mode doesn't interpret responses (spec.md §4.2): this returns a best
// effort wire.Response parse alongside the raw line, and acting on
// either is left to the caller (the Session's passthru dispatcher).
func (c *Client) ReadResponse() (wire.Response, string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return wire.Response{}, line, cerrs.Wrap(err, cerrs.Response)
	}
	resp := parseResponseLine(line)
	return resp, line, nil
}

func parseResponseLine(line string) wire.Response {
	trimmed := strings.TrimRight(line, "\r\n")
	if trimmed == "+" || strings.HasPrefix(trimmed, "+ ") {
		return wire.Response{Type: wire.RespContinuation, Raw: line}
	}
	if strings.HasPrefix(trimmed, "* ") {
		rest := trimmed[2:]
		parts := strings.SplitN(rest, " ", 2)
		verb := parts[0]
		var num uint32
		// "* <n> EXISTS"/"* <n> EXPUNGE"/"* <n> FETCH ..." style.
		if n, err := strconv.ParseUint(parts[0], 10, 32); err == nil && len(parts) == 2 {
			num = uint32(n)
			verbTail := strings.SplitN(parts[1], " ", 2)
			verb = verbTail[0]
			parts = verbTail
		}
		resp := wire.Response{Type: wire.RespUntagged, Verb: strings.ToUpper(verb), Num: num, Raw: line}
		if len(parts) == 2 {
			resp.Args = parts[1]
		}
		return resp
	}

	parts := strings.SplitN(trimmed, " ", 3)
	if len(parts) < 2 {
		return wire.Response{Type: wire.RespTagged, Raw: line}
	}
	resp := wire.Response{
		Type:   wire.RespTagged,
		Tag:    wire.Tag(parts[0]),
		Status: wire.Status(strings.ToUpper(parts[1])),
		Raw:    line,
	}
	text := ""
	if len(parts) == 3 {
		text = parts[2]
	}
	if strings.HasPrefix(text, "[") {
		if end := strings.Index(text, "]"); end > 0 {
			inner := text[1:end]
			codeParts := strings.SplitN(inner, " ", 2)
			code := &wire.RespCode{Name: wire.StatusCode(codeParts[0])}
			if len(codeParts) == 2 {
				code.Args = codeParts[1]
			}
			resp.Code = code
			text = strings.TrimSpace(text[end+1:])
		}
	}
	resp.Text = text
	return resp
}

// ReadLiteral reads exactly n literal bytes declared by a preceding
// response's trailing `{n}` (e.g. `* XKEYSYNC CREATED {1234}`), plus the
// CRLF that terminates the literal.
func (c *Client) ReadLiteral(n int) ([]byte, error) {
	buf, err := wire.ReadLiteralBytes(c.br, n)
	if err != nil {
		return nil, cerrs.Wrap(err, cerrs.Response)
	}
	if _, err := c.br.ReadString('\n'); err != nil {
		return nil, cerrs.Wrap(err, cerrs.Response)
	}
	return buf, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
