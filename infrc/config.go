package infrc

import (
	"time"

	"go.uber.org/zap"

	"github.com/corestor/infrc-go/dispatch"
	"github.com/corestor/infrc-go/ib"
)

// Tunables. Each is the default for the corresponding Config field.
const (
	// DefaultMaxRPCSize is the maximum number of bytes per RPC in either
	// direction. Receive buffers do not scatter: a message larger than the
	// posted buffer fails on both ends, so every pool buffer holds this many
	// bytes plus the in-band nonce header.
	DefaultMaxRPCSize = 8*1024*1024 + 4096

	// DefaultSharedRxQueueDepth is the per-SRQ buffer count. On the client
	// side it caps concurrent outstanding RPCs.
	DefaultSharedRxQueueDepth = 64

	// DefaultTxQueueDepth caps concurrent in-flight sends.
	DefaultTxQueueDepth = 16

	// DefaultQPExchangeTimeout bounds one handshake attempt.
	DefaultQPExchangeTimeout = 50 * time.Millisecond

	// DefaultQPExchangeMaxTimeouts bounds handshake attempts per session
	// open.
	DefaultQPExchangeMaxTimeouts = 10

	// maxSharedRxSGECount is the scatter-gather capacity requested per SRQ
	// work request.
	maxSharedRxSGECount = 8

	// nonceHeaderLen is the in-band header prepended to every RPC: the
	// 64-bit nonce, echoed verbatim in the reply.
	nonceHeaderLen = 8
)

// Clock abstracts time for the handshake retry loop so tests can control
// elapsed-time accounting.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config assembles a Transport.
type Config struct {
	// Verbs is the injected verbs capability. Required.
	Verbs ib.Verbs

	// Locator configures the server role: the transport binds the
	// handshake socket at the locator's host:port and services incoming
	// RPCs. Empty configures a client-only transport.
	Locator string

	// Dispatch is the loop that will drive the transport's poller.
	// Required; the transport registers itself.
	Dispatch *dispatch.Dispatch

	// Manager receives incoming server RPCs. Required for the server role.
	Manager *dispatch.WorkerManager

	MaxRPCSize            uint32
	SharedRxQueueDepth    int
	TxQueueDepth          int
	QPExchangeTimeout     time.Duration
	QPExchangeMaxTimeouts int

	// Clock defaults to the system clock.
	Clock Clock

	// Logger defaults to a nop logger.
	Logger *zap.Logger

	// Metrics receives transport telemetry. Nil disables it.
	Metrics MetricHook

	// Tracer wraps the transport lifetime in a span. Nil disables it.
	Tracer Tracer
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxRPCSize == 0 {
		cfg.MaxRPCSize = DefaultMaxRPCSize
	}
	if cfg.SharedRxQueueDepth <= 0 {
		cfg.SharedRxQueueDepth = DefaultSharedRxQueueDepth
	}
	if cfg.TxQueueDepth <= 0 {
		cfg.TxQueueDepth = DefaultTxQueueDepth
	}
	if cfg.QPExchangeTimeout <= 0 {
		cfg.QPExchangeTimeout = DefaultQPExchangeTimeout
	}
	if cfg.QPExchangeMaxTimeouts <= 0 {
		cfg.QPExchangeMaxTimeouts = DefaultQPExchangeMaxTimeouts
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}
