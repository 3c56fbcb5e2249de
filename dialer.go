package dbclient

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/asyncdb/client-go/netconn"
)

// tcpDialer implements topology.Dialer over a plain (or TLS-wrapped)
// net.Dialer, following the same configurable-dialer pattern used
// elsewhere in this client (WithTLS/newTCPDialer) but for the raw
// invocation stream rather than HTTP.
type tcpDialer struct {
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsConf *tls.Config
	timeout time.Duration
}

func newTCPDialer(setupTimeout time.Duration, tlsConf *tls.Config) *tcpDialer {
	nd := &net.Dialer{Timeout: setupTimeout, KeepAlive: 30 * time.Second}
	return &tcpDialer{dial: nd.DialContext, tlsConf: tlsConf, timeout: setupTimeout}
}

// Dial establishes a raw connection to hostPort and wraps it as a
// netconn.Conn identified by hostID. No authentication handshake is
// performed: the connection is returned as soon as the TCP connection is
// up, wrapped in TLS when a TLS config is set.
func (d *tcpDialer) Dial(ctx context.Context, hostID, hostPort string) (*netconn.Conn, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	raw, err := d.dial(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}
	if d.tlsConf != nil {
		raw = tls.Client(raw, d.tlsConf)
	}
	return netconn.New(hostID, raw), nil
}
