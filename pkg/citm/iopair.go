package citm

import (
	"context"
	"net"

	"github.com/ljanyst/citm/pkg/cerrs"
	"github.com/ljanyst/citm/pkg/imapclient"
	"github.com/ljanyst/citm/pkg/imapserver"
)

// connectUpstream implements the IoPair stage (spec.md §4.3): given an
// already-accepted downstream connection, it opens the matching
// upstream connection. On a non-cancel failure, if the downstream
// security allows plaintext error delivery, it writes the literal
// `* BYE failed to connect to upstream server` line and closes the
// downstream before returning the error — the original's "collapsed"
// shape per the scheduler rearchitecture in DESIGN.md: connectUpstream
// blocks the goroutine that owns conn instead of registering a
// connect_i callback.
func connectUpstream(ctx context.Context, downstream net.Conn, cfg Config) (*imapclient.Client, error) {
	client, err := imapclient.Dial(ctx, cfg.UpstreamAddr, cfg.UpstreamSecurity, cfg.UpstreamVerifyName, cfg.UpstreamTLS)
	if err != nil {
		if cerrs.AsCancelled(err) || ctx.Err() != nil {
			return nil, err
		}
		if cfg.DownstreamSecurity != imapserver.TLS {
			_, _ = downstream.Write([]byte("* BYE failed to connect to upstream server\r\n"))
		}
		_ = downstream.Close()
		return nil, err
	}
	return client, nil
}
