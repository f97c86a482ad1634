package citm

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	r "github.com/stretchr/testify/require"

	"github.com/ljanyst/citm/pkg/imapclient"
	"github.com/ljanyst/citm/pkg/imapserver"
	"github.com/ljanyst/citm/pkg/wire"
)

// fakeUpstream starts a one-shot TCP listener that sends a bare greeting,
// answers the CAPABILITY and ENABLE commands imapclient.Dial issues, and
// then hands every subsequent line to handle, so tests can script how
// the "real server" behaves without a full IMAP implementation.
func fakeUpstream(t *testing.T, handle func(conn net.Conn, br *bufio.Reader)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	r.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("* OK IMAP4rev1 ready\r\n"))
		br := bufio.NewReader(conn)
		for _, untagged := range []string{
			"* CAPABILITY IMAP4rev1 ENABLE UIDPLUS CONDSTORE QRESYNC UNSELECT IDLE\r\n",
			"* ENABLED CONDSTORE QRESYNC\r\n",
		} {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			conn.Write([]byte(untagged + strings.Fields(line)[0] + " OK done\r\n"))
		}
		handle(conn, br)
	}()
	return ln.Addr().String()
}

// newTestConnHandler wires a connHandler around a net.Pipe downstream
// (whose peer is returned as dClient, a raw bufio-wrapped test client)
// and a dialed connection to a scripted fake upstream. sess may be a
// bare &Session{} for tests that never touch a selected mailbox.
func newTestConnHandler(t *testing.T, sess *Session, handle func(conn net.Conn, br *bufio.Reader)) (*connHandler, net.Conn, *bufio.Reader) {
	t.Helper()

	addr := fakeUpstream(t, handle)
	upstream, err := imapclient.Dial(context.Background(), addr, imapclient.Insecure, "", nil)
	r.NoError(t, err)

	dConn, dClient := net.Pipe()
	t.Cleanup(func() { dClient.Close() })

	type result struct {
		server *imapserver.Server
		err    error
	}
	greetingDone := make(chan result, 1)
	go func() {
		server, err := imapserver.New(dConn, imapserver.Insecure, nil)
		greetingDone <- result{server, err}
	}()

	br := bufio.NewReader(dClient)
	greeting, err := br.ReadString('\n')
	r.NoError(t, err)
	r.Contains(t, greeting, "greetings")

	res := <-greetingDone
	r.NoError(t, res.err)

	ch := &connHandler{
		sess:   sess,
		server: res.server,
		client: upstream,
		tagger: wire.NewTagger("t"),
		ctx:    context.Background(),
	}
	return ch, dClient, br
}

func TestConnHandlerNoop(t *testing.T) {
	ch, dClient, br := newTestConnHandler(t, &Session{}, func(conn net.Conn, r *bufio.Reader) {
		time.Sleep(100 * time.Millisecond)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.run()
	}()

	_, err := dClient.Write([]byte("a1 NOOP\r\n"))
	r.NoError(t, err)

	line, err := br.ReadString('\n')
	r.NoError(t, err)
	r.Equal(t, "a1 OK NOOP completed\r\n", line)

	dClient.Write([]byte("a2 LOGOUT\r\n"))
	bye, err := br.ReadString('\n')
	r.NoError(t, err)
	r.Contains(t, bye, "BYE")
	ok, err := br.ReadString('\n')
	r.NoError(t, err)
	r.Contains(t, ok, "a2 OK")

	<-done
}

func TestConnHandlerCapabilityListsExtensions(t *testing.T) {
	ch, dClient, br := newTestConnHandler(t, &Session{}, func(conn net.Conn, r *bufio.Reader) {
		time.Sleep(100 * time.Millisecond)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.run()
	}()

	dClient.Write([]byte("a1 CAPABILITY\r\n"))
	untagged, err := br.ReadString('\n')
	r.NoError(t, err)
	r.Contains(t, untagged, "AUTH=PLAIN LOGIN")
	r.Contains(t, untagged, "IDLE")

	tagged, err := br.ReadString('\n')
	r.NoError(t, err)
	r.Contains(t, tagged, "a1 OK")

	dClient.Write([]byte("a2 LOGOUT\r\n"))
	<-done
}

func TestConnHandlerRejectsLoginWhileAlreadyLoggedIn(t *testing.T) {
	ch, dClient, br := newTestConnHandler(t, &Session{}, func(conn net.Conn, r *bufio.Reader) {
		time.Sleep(100 * time.Millisecond)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.run()
	}()

	dClient.Write([]byte("a1 LOGIN bob hunter2\r\n"))
	line, err := br.ReadString('\n')
	r.NoError(t, err)
	r.True(t, strings.HasPrefix(line, "a1 BAD"))

	dClient.Write([]byte("a2 LOGOUT\r\n"))
	<-done
}

func TestConnHandlerRejectsUnsupportedVerb(t *testing.T) {
	ch, dClient, br := newTestConnHandler(t, &Session{}, func(conn net.Conn, r *bufio.Reader) {
		time.Sleep(100 * time.Millisecond)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.run()
	}()

	dClient.Write([]byte("a1 XKEYSYNC\r\n"))
	line, err := br.ReadString('\n')
	r.NoError(t, err)
	r.True(t, strings.HasPrefix(line, "a1 BAD"))

	dClient.Write([]byte("a2 LOGOUT\r\n"))
	<-done
}
