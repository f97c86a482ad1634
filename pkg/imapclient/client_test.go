package imapclient

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	r "github.com/stretchr/testify/require"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	r.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// answerHandshake plays the server side of the CAPABILITY and ENABLE
// exchange Dial performs right after the greeting.
func answerHandshake(conn net.Conn) {
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
}

func TestDialInsecureReadsGreeting(t *testing.T) {
	l := listen(t)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("* OK [CAPABILITY IMAP4rev1] server ready\r\n"))
		answerHandshake(conn)
		time.Sleep(200 * time.Millisecond)
	}()

	c, err := Dial(context.Background(), l.Addr().String(), Insecure, "", nil)
	r.NoError(t, err)
	r.Contains(t, c.Greeting, "server ready")
}

func TestDialRejectsBadGreeting(t *testing.T) {
	l := listen(t)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("not a greeting at all\r\n"))
		time.Sleep(200 * time.Millisecond)
	}()

	_, err := Dial(context.Background(), l.Addr().String(), Insecure, "", nil)
	r.Error(t, err)
}

func TestDialStartTLSNegotiatesBeforeHandshake(t *testing.T) {
	l := listen(t)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		conn.Write([]byte("* OK IMAP4rev1 ready\r\n"))
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		if !strings.Contains(line, "STARTTLS") {
			return
		}
		tag := strings.Fields(line)[0]
		conn.Write([]byte(tag + " OK begin TLS negotiation now\r\n"))
		// deliberately do not complete a TLS handshake: the client's
		// HandshakeContext will fail/timeout, which is the behavior under
		// test (that the plaintext STARTTLS exchange happens correctly
		// before any handshake is attempted).
		time.Sleep(200 * time.Millisecond)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, l.Addr().String(), StartTLS, "", nil)
	r.Error(t, err, "handshake is expected to fail since the test server never completes one")
}
