package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corestor/infrc-go/buffer"
)

// ServerRpc is an incoming request owned by the worker manager from arrival
// until its reply has been transmitted. Transports construct these; the
// manager assigns the ID and epoch stamp.
type ServerRpc interface {
	Request() *buffer.Buffer
	Reply() *buffer.Buffer
	// SendReply transmits the reply and releases the RPC's resources. It
	// must be called from the dispatch goroutine, exactly once.
	SendReply() error
	SetID(id uint64)
	SetEpoch(epoch uint64)
}

// EpochSource supplies the epoch stamp applied to each RPC before servicing,
// so a log protector can track which requests predate a cleaning pass.
type EpochSource interface {
	CurrentEpoch() uint64
}

type zeroEpochs struct{}

func (zeroEpochs) CurrentEpoch() uint64 { return 0 }

// DefaultPollMicros is how long WaitForRpc sleeps after a dispatch tick that
// found no work.
const DefaultPollMicros = 10 * time.Millisecond

// ManagerConfig configures a WorkerManager.
type ManagerConfig struct {
	// Service receives every valid request.
	Service Service
	// MaxOpcode bounds the opcode space: requests with an opcode at or
	// beyond it are answered with UNIMPLEMENTED_REQUEST without reaching
	// the service.
	MaxOpcode uint16
	// Epochs stamps RPCs before servicing. Nil means epoch zero.
	Epochs EpochSource
	// SpawnWorker launches fn on a worker and reports success. Nil spawns
	// a goroutine, which cannot fail; tests substitute a failing spawner.
	SpawnWorker func(fn func()) bool
	// PollMicros is the WaitForRpc sleep after a dispatch tick that found
	// no work.
	PollMicros time.Duration
	Logger     *zap.Logger
}

// WorkerManager accepts incoming RPCs on the dispatch goroutine, hands them
// to worker goroutines in FIFO order, and transmits replies as workers
// finish. All fields except the completed queue are dispatch-thread state
// and need no locking.
type WorkerManager struct {
	cfg   ManagerConfig
	log   *zap.SugaredLogger
	spawn func(fn func()) bool

	waiting []ServerRpc

	mu        sync.Mutex
	completed []ServerRpc

	numOutstanding int
	nextID         uint64

	captureMode bool
	captured    []ServerRpc
}

// NewWorkerManager returns a manager ready to be registered as a dispatch
// poller.
func NewWorkerManager(cfg ManagerConfig) *WorkerManager {
	if cfg.Epochs == nil {
		cfg.Epochs = zeroEpochs{}
	}
	if cfg.PollMicros <= 0 {
		cfg.PollMicros = DefaultPollMicros
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &WorkerManager{
		cfg: cfg,
		log: logger.Sugar(),
	}
	m.spawn = cfg.SpawnWorker
	if m.spawn == nil {
		m.spawn = func(fn func()) bool {
			go fn()
			return true
		}
	}
	return m
}

// HandleRpc accepts an incoming RPC on the dispatch goroutine. Requests
// without a complete header or with an out-of-range opcode are answered
// immediately with a canonical error reply and never reach a worker.
func (m *WorkerManager) HandleRpc(rpc ServerRpc) {
	hdr, ok := ReadRequestHeader(rpc.Request())
	if !ok || hdr.Opcode >= m.cfg.MaxOpcode {
		if m.captureMode {
			m.captured = append(m.captured, rpc)
			return
		}
		if !ok {
			m.log.Warnw("incoming RPC contains no header",
				"length", rpc.Request().Size())
			PrepareErrorResponse(rpc.Reply(), StatusMessageTooShort)
		} else {
			m.log.Warnw("incoming RPC contained unknown opcode",
				"opcode", hdr.Opcode)
			PrepareErrorResponse(rpc.Reply(), StatusUnimplementedRequest)
		}
		if err := rpc.SendReply(); err != nil {
			m.log.Errorw("failed to send error reply", "error", err)
		}
		return
	}

	m.numOutstanding++
	rpc.SetID(m.nextID)
	m.nextID++

	// Requests already waiting must launch first; enqueue behind them so
	// service stays FIFO.
	if len(m.waiting) > 0 {
		m.waiting = append(m.waiting, rpc)
		return
	}
	if !m.spawn(func() { m.workerMain(rpc) }) {
		m.waiting = append(m.waiting, rpc)
	}
}

// Poll drains the completed queue: for each finished RPC it first promotes
// one waiter (if a worker can be spawned), then transmits the reply. The
// lock covers only queue removal, never reply transmission.
func (m *WorkerManager) Poll() int {
	found := 0
	m.mu.Lock()
	for len(m.completed) > 0 {
		rpc := m.completed[0]
		m.completed = m.completed[1:]
		m.mu.Unlock()
		found = 1

		if len(m.waiting) > 0 {
			next := m.waiting[0]
			if m.spawn(func() { m.workerMain(next) }) {
				m.waiting = m.waiting[1:]
			}
		}

		if err := rpc.SendReply(); err != nil {
			m.log.Errorw("failed to send reply", "error", err)
		}
		m.numOutstanding--
		m.mu.Lock()
	}
	m.mu.Unlock()
	return found
}

// Idle reports whether no RPCs are being serviced. A true reading also
// guarantees that all memory writes made by worker goroutines are visible to
// the caller: each worker's writes happen before its completed-queue enqueue
// under the mutex, and Poll observed every enqueue before decrementing the
// outstanding count on this goroutine.
func (m *WorkerManager) Idle() bool {
	return m.numOutstanding == 0
}

// Outstanding returns the number of RPCs accepted but not yet replied to.
func (m *WorkerManager) Outstanding() int {
	return m.numOutstanding
}

// SetCapture toggles capture mode: invalid requests are stashed for
// WaitForRpc instead of being answered with an error reply. Intended for
// tests running without a registered service.
func (m *WorkerManager) SetCapture(on bool) {
	m.captureMode = on
}

// WaitForRpc waits for a captured RPC, driving the supplied dispatch between
// polls, and returns nil when the timeout expires.
func (m *WorkerManager) WaitForRpc(timeout time.Duration, d *Dispatch) ServerRpc {
	deadline := time.Now().Add(timeout)
	for {
		if len(m.captured) > 0 {
			rpc := m.captured[0]
			m.captured = m.captured[1:]
			return rpc
		}
		if time.Now().After(deadline) {
			return nil
		}
		if d.Poll() == 0 {
			time.Sleep(m.cfg.PollMicros)
		}
	}
}

// workerMain executes one RPC on a worker goroutine: stamp the epoch, invoke
// the service, signal completion back to the dispatch goroutine. A service
// error terminates the process; a panic propagates and does the same.
func (m *WorkerManager) workerMain(rpc ServerRpc) {
	hdr, _ := ReadRequestHeader(rpc.Request())
	w := &Worker{manager: m, rpc: rpc, Opcode: hdr.Opcode}
	rpc.SetEpoch(m.cfg.Epochs.CurrentEpoch())

	call := Rpc{Worker: w, Request: rpc.Request(), Reply: rpc.Reply()}
	if err := m.cfg.Service.Handle(context.Background(), &call); err != nil {
		m.log.Fatalw("worker: service failed", "opcode", hdr.Opcode, "error", err)
	}
	w.SendReply()
}

// Worker is the per-RPC execution context handed to the service.
type Worker struct {
	manager   *WorkerManager
	rpc       ServerRpc
	Opcode    uint16
	replySent bool
}

// SendReply tells the dispatch goroutine this worker has finished so the
// reply can be transmitted. Safe to call more than once; only the first call
// enqueues. Must be invoked on the worker goroutine.
func (w *Worker) SendReply() {
	if w.replySent {
		return
	}
	m := w.manager
	m.mu.Lock()
	m.completed = append(m.completed, w.rpc)
	m.mu.Unlock()
	w.replySent = true
}
