package imapserver

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	r "github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	r.NoError(t, err)
	return line
}

func TestNewSendsInsecureGreeting(t *testing.T) {
	client, server := pipePair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := New(server, Insecure, nil)
		r.NoError(t, err)
	}()

	line := readLine(t, client)
	r.Contains(t, line, "* OK [CAPABILITY IMAP4rev1 IDLE AUTH=PLAIN LOGIN] greetings, friend!")
	<-done
}

func TestNewSendsStartTLSGreeting(t *testing.T) {
	client, server := pipePair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := New(server, StartTLS, nil)
		r.NoError(t, err)
	}()

	line := readLine(t, client)
	r.Contains(t, line, "STARTTLS LOGINDISABLED")
	<-done
}

func TestNegotiateNoopForNonStartTLS(t *testing.T) {
	client, server := pipePair(t)

	srvCh := make(chan *Server, 1)
	go func() {
		s, err := New(server, Insecure, nil)
		r.NoError(t, err)
		srvCh <- s
	}()
	readLine(t, client)
	s := <-srvCh

	err := s.Negotiate(context.Background())
	r.NoError(t, err)
	r.False(t, s.LoggedOut())
}

func TestNegotiatePreStartTLSLogout(t *testing.T) {
	client, server := pipePair(t)

	srvCh := make(chan *Server, 1)
	go func() {
		s, err := New(server, StartTLS, nil)
		r.NoError(t, err)
		srvCh <- s
	}()
	readLine(t, client) // greeting
	s := <-srvCh

	negErr := make(chan error, 1)
	go func() { negErr <- s.Negotiate(context.Background()) }()

	client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Write([]byte("a1 LOGOUT\r\n"))
	r.NoError(t, err)

	// BYE and the tagged reply arrive in one write, so both lines are
	// read through the same buffered reader.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(client)
	bye, err := br.ReadString('\n')
	r.NoError(t, err)
	r.Contains(t, bye, "* BYE logging out")
	tagged, err := br.ReadString('\n')
	r.NoError(t, err)
	r.Contains(t, tagged, "a1 OK logout successful")

	r.NoError(t, <-negErr)
	r.True(t, s.LoggedOut())
}

func TestNegotiatePreStartTLSRejectsLogin(t *testing.T) {
	client, server := pipePair(t)

	srvCh := make(chan *Server, 1)
	go func() {
		s, err := New(server, StartTLS, nil)
		r.NoError(t, err)
		srvCh <- s
	}()
	readLine(t, client)
	s := <-srvCh

	go s.Negotiate(context.Background())

	client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Write([]byte("a1 LOGIN foo bar\r\n"))
	r.NoError(t, err)

	line := readLine(t, client)
	r.Contains(t, line, "a1 NO did you just leak your password")
}

func TestNegotiatePreStartTLSRejectsTooEarly(t *testing.T) {
	client, server := pipePair(t)

	srvCh := make(chan *Server, 1)
	go func() {
		s, err := New(server, StartTLS, nil)
		r.NoError(t, err)
		srvCh <- s
	}()
	readLine(t, client)
	s := <-srvCh

	go s.Negotiate(context.Background())

	client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Write([]byte("a1 SELECT INBOX\r\n"))
	r.NoError(t, err)

	line := readLine(t, client)
	r.Contains(t, line, "a1 BAD it's too early for that")
}

func TestReadCommandAndWriteLineRoundTrip(t *testing.T) {
	client, server := pipePair(t)

	srvCh := make(chan *Server, 1)
	go func() {
		s, err := New(server, Insecure, nil)
		r.NoError(t, err)
		srvCh <- s
	}()
	readLine(t, client)
	s := <-srvCh

	cmdCh := make(chan string, 1)
	go func() {
		cmd, err := s.ReadCommand()
		r.NoError(t, err)
		cmdCh <- cmd.Verb
	}()

	client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Write([]byte("sc1 NOOP\r\n"))
	r.NoError(t, err)
	r.Equal(t, "NOOP", <-cmdCh)

	go func() {
		r.NoError(t, s.WriteLine("sc1 OK NOOP completed\r\n"))
	}()
	r.Contains(t, readLine(t, client), "sc1 OK NOOP completed")
}
