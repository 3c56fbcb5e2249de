package dbclient

import (
	"crypto/tls"
	"time"

	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/registry"
)

// ClientOption configures a Client at construction time, using the same
// functional-options idiom as the rest of this client's configuration
// surface.
type ClientOption interface {
	apply(*clientOptions)
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) { f(opts) }

// ConnectFunc is invoked once a connection to hostID successfully comes
// up (initial connect, reconnect, or a newly discovered cluster member).
type ConnectFunc func(hostID string)

// DisconnectFunc is invoked once a connection drops, before any
// reconnection attempt is scheduled.
type DisconnectFunc func(hostID string)

// ConnectFailureFunc is invoked when a dial attempt to hostPort fails.
type ConnectFailureFunc func(hostPort string, err error)

// LateResponseFunc is invoked when a response arrives for a handle the
// registry no longer holds a record for (already timed out or already
// failed by connection loss).
type LateResponseFunc func(handle int64)

// BackpressureFunc is invoked on every request-backpressure on/off
// transition (see package registry).
type BackpressureFunc func(on bool)

// ErrorLogFunc receives one-line diagnostic messages from background
// tasks that have nowhere better to report a failure (bad catalog rows,
// late system responses, unroutable magic handles).
type ErrorLogFunc func(msg string)

type clientOptions struct {
	username  string
	password  string
	cleartext bool
	hashScheme string

	tlsConfig *tls.Config
	enableSSL bool

	txnPerSecRateLimit int
	defaultPriority    int

	connectionSetupTimeout    time.Duration
	procedureCallTimeout      time.Duration
	connectionResponseTimeout time.Duration

	outstandingTxnLimit int

	requestHardLimit    int
	requestWarningLevel int
	requestResumeLevel  int

	reconnectDelay      time.Duration
	reconnectRetryDelay time.Duration

	disableConnectionMgmt bool
	responseThreadCount   int

	onConnectUp           ConnectFunc
	onConnectDown         DisconnectFunc
	onConnectFailure      ConnectFailureFunc
	onLateResponse        LateResponseFunc
	onRequestBackpressure BackpressureFunc
	onErrorLog            ErrorLogFunc
}

func (opts *clientOptions) applyDefaults() {
	if opts.defaultPriority <= 0 {
		opts.defaultPriority = invocation.PriorityLowest
	}
	opts.defaultPriority = invocation.ClampPriority(opts.defaultPriority)
	if opts.connectionSetupTimeout <= 0 {
		opts.connectionSetupTimeout = 10 * time.Second
	}
	if opts.procedureCallTimeout <= 0 {
		opts.procedureCallTimeout = 2 * time.Minute
	}
	if opts.connectionResponseTimeout <= 0 {
		opts.connectionResponseTimeout = 10 * time.Second
	}
	if opts.outstandingTxnLimit <= 0 {
		opts.outstandingTxnLimit = registry.DefaultOutstandingTxnLimit
	}
	if opts.requestHardLimit <= 0 {
		opts.requestHardLimit = registry.DefaultHardLimit
	}
	if opts.requestWarningLevel <= 0 {
		opts.requestWarningLevel = opts.requestHardLimit
	}
	if opts.requestResumeLevel <= 0 {
		opts.requestResumeLevel = opts.requestWarningLevel / 2
	}
	if opts.reconnectDelay <= 0 {
		opts.reconnectDelay = time.Second
	}
	if opts.reconnectRetryDelay <= 0 {
		opts.reconnectRetryDelay = 10 * time.Second
	}
	if opts.responseThreadCount <= 0 {
		opts.responseThreadCount = 4
	}
	if opts.hashScheme == "" {
		opts.hashScheme = "SHA256"
	}
}

// WithCredentials stores a username and password, and whether password
// is given as cleartext (true) or already hashed (false). The built-in
// dialer performs no authentication handshake, so these values are not
// sent to the server.
func WithCredentials(username, password string, cleartext bool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.username = username
		opts.password = password
		opts.cleartext = cleartext
	})
}

// WithHashScheme stores a password-hash algorithm name. The default is
// "SHA256". Like the credentials, it is not sent to the server, since the
// built-in dialer performs no authentication handshake.
func WithHashScheme(scheme string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.hashScheme = scheme
	})
}

// WithTLS enables TLS for every connection this client opens, using conf.
func WithTLS(conf *tls.Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tlsConfig = conf
		opts.enableSSL = true
	})
}

// WithTxnPerSecRateLimit caps the rate at which this client's send
// workers write outbound invocations, across every connection. A non-positive value (the
// default) disables rate limiting.
func WithTxnPerSecRateLimit(n int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.txnPerSecRateLimit = n
	})
}

// WithDefaultPriority sets the priority (1 highest, 8 lowest) used for
// calls that don't override it via WithPriority.
func WithDefaultPriority(priority int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultPriority = priority
	})
}

// WithConnectionSetupTimeout bounds how long a single dial (including TLS
// handshake) may take before it is abandoned.
func WithConnectionSetupTimeout(d time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connectionSetupTimeout = d
	})
}

// WithProcedureCallTimeout sets the default client-side round-trip budget
// for a call that doesn't override it via WithTimeout.
func WithProcedureCallTimeout(d time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.procedureCallTimeout = d
	})
}

// WithConnectionResponseTimeout sets d for the keepalive ticker: a
// connection that has gone more than a third of d without any inbound
// frame is pinged, and one with a ping outstanding that has gone more
// than d without an inbound frame is torn down.
func WithConnectionResponseTimeout(d time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connectionResponseTimeout = d
	})
}

// WithOutstandingTxnLimit sets the global send-permit count: the maximum
// number of invocations that may be in flight (permit acquired, not yet
// completed) across every connection at once.
func WithOutstandingTxnLimit(n int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.outstandingTxnLimit = n
	})
}

// WithRequestLimits sets the registry's hard cap and the request-
// backpressure warning/resume thresholds.
func WithRequestLimits(hardLimit, warningLevel, resumeLevel int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.requestHardLimit = hardLimit
		opts.requestWarningLevel = warningLevel
		opts.requestResumeLevel = resumeLevel
	})
}

// WithReconnectDelay sets how long the topology manager waits before
// re-subscribing after the subscribed connection drops.
func WithReconnectDelay(d time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.reconnectDelay = d
	})
}

// WithReconnectRetryDelay sets the backoff used between failed
// subscribe/connect/recovery attempts.
func WithReconnectRetryDelay(d time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.reconnectRetryDelay = d
	})
}

// WithoutConnectionManagement disables the topology manager's background
// tasks entirely: no subscribe, no topology refresh, no automatic
// connect/recovery. With this option NewClient does not dial any of the
// servers it is given either, and calls route by round-robin only.
func WithoutConnectionManagement() ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.disableConnectionMgmt = true
	})
}

// WithResponseThreadCount sets the size of the fixed worker pool that
// decodes inbound frames and completes pending calls.
func WithResponseThreadCount(n int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.responseThreadCount = n
	})
}

// WithConnectUpListener registers fn to run whenever a connection comes
// up.
func WithConnectUpListener(fn ConnectFunc) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.onConnectUp = fn
	})
}

// WithConnectDownListener registers fn to run whenever a connection
// drops.
func WithConnectDownListener(fn DisconnectFunc) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.onConnectDown = fn
	})
}

// WithConnectFailureListener registers fn to run whenever a dial attempt
// fails.
func WithConnectFailureListener(fn ConnectFailureFunc) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.onConnectFailure = fn
	})
}

// WithLateResponseListener registers fn to run whenever a response
// arrives for a handle the registry no longer tracks.
func WithLateResponseListener(fn LateResponseFunc) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.onLateResponse = fn
	})
}

// WithBackpressureListener registers fn to run on every request-
// backpressure on/off transition.
func WithBackpressureListener(fn BackpressureFunc) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.onRequestBackpressure = fn
	})
}

// WithErrorLog registers fn to receive one-line diagnostic messages from
// background tasks.
func WithErrorLog(fn ErrorLogFunc) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.onErrorLog = fn
	})
}
