// Package infrc implements a reliable RPC transport over Infiniband
// reliable-connected queue pairs, bootstrapped by a UDP handshake.
//
// The transport pre-registers two pools of maximum-size buffers with the
// device. Receive buffers are split across two shared receive queues, one
// serving every client-role queue pair and one serving every server-role
// queue pair, so that thousands of mostly idle queue pairs do not each need
// pre-posted buffers. Each shared receive queue drains into its own
// completion queue; a single completion queue covers all transmits.
//
// Connected queue pairs need bootstrapping: a client sends its queue pair
// tuple (LID, QPN, PSN) plus a nonce in a UDP datagram, the server builds a
// matching queue pair and answers with its own tuple carrying the nonce
// back. Datagrams can be lost; the client retries, the server tolerates
// duplicates by building fresh queue pairs.
//
// All transport state is confined to the dispatch goroutine. The only
// cross-thread traffic is the worker manager's completed queue, which is not
// this package's concern.
package infrc

import (
	"container/list"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"runtime"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/corestor/infrc-go/dispatch"
	"github.com/corestor/infrc-go/ib"
)

// Transport owns the pools, the shared receive queues, the completion
// queues, and the server-side queue pair registry. Sessions hold non-owning
// references to it.
type Transport struct {
	cfg     Config
	verbs   ib.Verbs
	log     *zap.SugaredLogger
	clock   Clock
	metrics MetricHook
	span    Span

	id      string
	locator string
	device  string
	port    int
	lid     uint16

	rxPool      *pool
	txPool      *pool
	descriptors []*bufferDescriptor
	freeTx      []*bufferDescriptor
	pendingTx   int

	serverSrq  ib.SharedReceiveQueue
	clientSrq  ib.SharedReceiveQueue
	serverRxCq ib.CompletionQueue
	clientRxCq ib.CompletionQueue
	commonTxCq ib.CompletionQueue

	// queuePairs maps local QPN to the server-side queue pair it belongs
	// to; shared receive completions only identify their queue pair by
	// number.
	queuePairs map[uint32]ib.QueuePair

	// outstanding holds every ClientRpc in REQUEST_SENT; clientSendQueue
	// holds every ClientRpc in QUEUED. An RPC is in at most one.
	outstanding     list.List
	clientSendQueue list.List

	// numUsedClientSrqBuffers counts client SRQ buffers not currently
	// posted: one per outstanding RPC, plus responses still on loan to
	// callers.
	numUsedClientSrqBuffers int

	clientConn *net.UDPConn
	serverConn *net.UDPConn
	setupBuf   []byte

	logMemory   []byte
	logMemoryMR ib.MemoryRegion

	wcScratch []ib.WorkCompletion
	closed    bool
}

// NewTransport builds a transport from cfg and registers its poller with
// cfg.Dispatch. A non-empty cfg.Locator configures the server role.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Verbs == nil {
		return nil, fmt.Errorf("infrc: config requires a verbs capability")
	}
	if cfg.Dispatch == nil {
		return nil, fmt.Errorf("infrc: config requires a dispatch loop")
	}
	cfg.applyDefaults()

	t := &Transport{
		cfg:                     cfg,
		verbs:                   cfg.Verbs,
		log:                     cfg.Logger.Sugar(),
		clock:                   cfg.Clock,
		metrics:                 cfg.Metrics,
		id:                      uuid.NewString(),
		port:                    1,
		setupBuf:                make([]byte, 64),
		wcScratch:               make([]ib.WorkCompletion, cfg.TxQueueDepth),
		queuePairs:              make(map[uint32]ib.QueuePair),
		numUsedClientSrqBuffers: cfg.SharedRxQueueDepth,
	}
	t.log = t.log.With("transport", t.id)

	if cfg.Locator != "" {
		loc, err := ParseLocator(cfg.Locator)
		if err != nil {
			return nil, err
		}
		if cfg.Manager == nil {
			return nil, fmt.Errorf("infrc: server role requires a worker manager")
		}
		t.locator = loc.String()
		t.device = loc.Device
		t.port = loc.DevicePort

		addr, err := net.ResolveUDPAddr("udp", loc.UDPAddr())
		if err != nil {
			return nil, fmt.Errorf("resolve locator %q: %w", cfg.Locator, err)
		}
		t.serverConn, err = net.ListenUDP("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("bind handshake socket: %w", err)
		}
		t.log.Infow("listening for handshakes", "addr", t.serverConn.LocalAddr())
	}

	var err error
	t.clientConn, err = net.ListenUDP("udp", nil)
	if err != nil {
		t.closePartial()
		return nil, fmt.Errorf("open client handshake socket: %w", err)
	}

	t.lid, err = t.verbs.LID(t.port)
	if err != nil {
		t.closePartial()
		return nil, fmt.Errorf("query lid: %w", err)
	}

	if err := t.setupVerbs(); err != nil {
		t.closePartial()
		return nil, err
	}

	if cfg.Tracer != nil {
		t.span = cfg.Tracer.StartSpan("infrc-transport",
			TraceAttribute{Key: "transport", Value: t.id},
			TraceAttribute{Key: "lid", Value: int(t.lid)},
		)
	}

	cfg.Dispatch.Register(t)
	return t, nil
}

// setupVerbs creates the shared receive queues, the pools, and the
// completion queues, and seeds the receive buffers: the first half of the RX
// pool goes to the server SRQ, the second half to the client SRQ.
func (t *Transport) setupVerbs() error {
	depth := t.cfg.SharedRxQueueDepth
	var err error

	if t.serverSrq, err = t.verbs.CreateSharedReceiveQueue(depth, maxSharedRxSGECount); err != nil {
		return fmt.Errorf("create server shared receive queue: %w", err)
	}
	if t.clientSrq, err = t.verbs.CreateSharedReceiveQueue(depth, maxSharedRxSGECount); err != nil {
		return fmt.Errorf("create client shared receive queue: %w", err)
	}
	if t.serverRxCq, err = t.verbs.CreateCompletionQueue(depth); err != nil {
		return fmt.Errorf("create server receive completion queue: %w", err)
	}
	if t.clientRxCq, err = t.verbs.CreateCompletionQueue(depth); err != nil {
		return fmt.Errorf("create client receive completion queue: %w", err)
	}
	if t.commonTxCq, err = t.verbs.CreateCompletionQueue(t.cfg.TxQueueDepth); err != nil {
		return fmt.Errorf("create transmit completion queue: %w", err)
	}

	// Every message carries the in-band nonce header on top of its payload.
	bufSize := t.cfg.MaxRPCSize + nonceHeaderLen
	if t.rxPool, err = newPool(t.verbs, bufSize, 2*depth, 0); err != nil {
		return fmt.Errorf("build receive pool: %w", err)
	}
	if t.txPool, err = newPool(t.verbs, bufSize, t.cfg.TxQueueDepth, uint64(2*depth)); err != nil {
		return fmt.Errorf("build transmit pool: %w", err)
	}
	t.descriptors = append(t.descriptors, t.rxPool.bds...)
	t.descriptors = append(t.descriptors, t.txPool.bds...)

	for i, bd := range t.rxPool.bds {
		srq := t.serverSrq
		if i >= depth {
			srq = t.clientSrq
		}
		t.postSrqReceive(srq, bd)
	}
	if t.numUsedClientSrqBuffers != 0 {
		return fmt.Errorf("infrc: client SRQ seeding left %d buffers unposted",
			t.numUsedClientSrqBuffers)
	}

	t.freeTx = append(t.freeTx, t.txPool.bds...)
	return nil
}

// Poll is the transport's dispatch tick: accept handshakes, drain client
// receive completions, drain one server receive completion. The only wait
// is the bounded read of the handshake socket on server transports (see
// pollServerSetup); nothing else blocks.
func (t *Transport) Poll() int {
	if t.closed {
		return 0
	}
	found := 0
	if t.serverConn != nil {
		found += t.pollServerSetup()
	}
	if t.outstanding.Len() > 0 {
		found += t.pollClientRx()
	}
	if t.serverConn != nil {
		found += t.pollServerRx()
	}
	return found
}

func (t *Transport) descriptor(wrID uint64) *bufferDescriptor {
	if wrID >= uint64(len(t.descriptors)) {
		return nil
	}
	return t.descriptors[wrID]
}

// postSrqReceive returns bd to the shared receive queue. Returning a buffer
// to the client SRQ frees admission for one queued RPC, so the head of the
// send queue is transmitted here.
func (t *Transport) postSrqReceive(srq ib.SharedReceiveQueue, bd *bufferDescriptor) {
	if err := t.verbs.PostSRQReceive(srq, bd.id, bd.buf, bd.mr); err != nil {
		t.log.Errorw("failed to post receive buffer", "error", err)
		return
	}
	if srq == t.clientSrq {
		t.numUsedClientSrqBuffers--
		if front := t.clientSendQueue.Front(); front != nil {
			rpc := front.Value.(*ClientRpc)
			t.clientSendQueue.Remove(front)
			rpc.elem = nil
			t.log.Debugw("dequeued request", "nonce", nonceHex(rpc.nonce))
			rpc.sendOrQueue()
		}
	}
}

// getTransmitBuffer returns a free transmit buffer, draining the transmit
// completion queue until one is available. Failed transmit completions are
// logged and their buffers reclaimed; outstanding RPCs are not notified,
// since the reliable queue pair either delivers in order or surfaces the
// failure on the receive side.
func (t *Transport) getTransmitBuffer() *bufferDescriptor {
	for len(t.freeTx) == 0 {
		n, err := t.verbs.PollCompletionQueue(t.commonTxCq, t.wcScratch)
		if err != nil {
			t.log.Errorw("transmit completion queue poll failed", "error", err)
		}
		for i := 0; i < n; i++ {
			wc := &t.wcScratch[i]
			bd := t.descriptor(wc.WRID)
			if bd == nil {
				t.log.Errorw("transmit completion with unknown work request",
					"wr_id", wc.WRID)
				continue
			}
			t.freeTx = append(t.freeTx, bd)
			t.pendingTx--
			if wc.Status != ib.StatusSuccess {
				t.log.Errorw("transmit failed", "status", wc.Status.String())
				t.metricCompletionFailed("send", fmt.Errorf("infrc: %s", wc.Status))
			}
		}
		if n == 0 {
			runtime.Gosched()
		}
	}
	bd := t.freeTx[len(t.freeTx)-1]
	t.freeTx = t.freeTx[:len(t.freeTx)-1]
	return bd
}

// pollClientRx drains responses to requests we have made.
func (t *Transport) pollClientRx() int {
	found := 0
	var wcs [1]ib.WorkCompletion
	for {
		n, err := t.verbs.PollCompletionQueue(t.clientRxCq, wcs[:])
		if err != nil {
			t.log.Errorw("client receive completion poll failed", "error", err)
			return found
		}
		if n == 0 {
			return found
		}
		found = 1
		t.handleClientRx(&wcs[0])
	}
}

func (t *Transport) handleClientRx(wc *ib.WorkCompletion) {
	bd := t.descriptor(wc.WRID)
	if bd == nil {
		t.log.Errorw("client receive completion with unknown work request",
			"wr_id", wc.WRID)
		return
	}

	if wc.Status != ib.StatusSuccess {
		err := fmt.Errorf("%w: %s", ErrReceiveFailed, wc.Status)
		t.log.Errorw("receive completion failed", "status", wc.Status.String())
		t.metricCompletionFailed("receive", err)
		// The header may still identify the victim.
		if wc.ByteLen >= nonceHeaderLen {
			nonce := binary.LittleEndian.Uint64(bd.buf[:nonceHeaderLen])
			if rpc := t.findOutstanding(nonce); rpc != nil {
				t.unlink(rpc)
				rpc.finish(StateFailed, err)
			}
		}
		t.postSrqReceive(t.clientSrq, bd)
		return
	}

	nonce := binary.LittleEndian.Uint64(bd.buf[:nonceHeaderLen])
	rpc := t.findOutstanding(nonce)
	if rpc == nil {
		t.log.Warnw("dropped packet: no nonce matched", "nonce", nonceHex(nonce))
		t.metricPacketDropped("unmatched_nonce")
		t.postSrqReceive(t.clientSrq, bd)
		return
	}

	t.outstanding.Remove(rpc.elem)
	rpc.elem = nil
	payload := bd.buf[nonceHeaderLen:wc.ByteLen]
	if t.numUsedClientSrqBuffers >= t.cfg.SharedRxQueueDepth/2 {
		// The client SRQ is running low; copy and return the buffer now.
		t.log.Debugw("copy and immediately return client SRQ buffer",
			"nonce", nonceHex(nonce))
		rpc.response.AppendCopy(payload)
		t.postSrqReceive(t.clientSrq, bd)
	} else {
		// The response holds the SRQ buffer until the caller drops it.
		t.log.Debugw("loan client SRQ buffer to response", "nonce", nonceHex(nonce))
		srq := t.clientSrq
		rpc.response.AppendWithRelease(payload, func() {
			t.postSrqReceive(srq, bd)
		})
	}
	rpc.finish(StateResponseReceived, nil)
	t.metricResponseReceived()
}

func (t *Transport) findOutstanding(nonce uint64) *ClientRpc {
	for e := t.outstanding.Front(); e != nil; e = e.Next() {
		rpc := e.Value.(*ClientRpc)
		if rpc.nonce == nonce {
			return rpc
		}
	}
	return nil
}

// unlink removes rpc from whichever list currently holds it.
func (t *Transport) unlink(rpc *ClientRpc) {
	if rpc.elem == nil {
		return
	}
	switch rpc.state {
	case StateQueued:
		t.clientSendQueue.Remove(rpc.elem)
	case StateRequestSent:
		t.outstanding.Remove(rpc.elem)
	}
	rpc.elem = nil
}

// pollServerRx handles at most one incoming request per tick, keeping the
// dispatch loop responsive to its other pollers.
func (t *Transport) pollServerRx() int {
	var wcs [1]ib.WorkCompletion
	n, err := t.verbs.PollCompletionQueue(t.serverRxCq, wcs[:])
	if err != nil {
		t.log.Errorw("server receive completion poll failed", "error", err)
		return 0
	}
	if n == 0 {
		return 0
	}
	t.handleServerRx(&wcs[0])
	return 1
}

func (t *Transport) handleServerRx(wc *ib.WorkCompletion) {
	bd := t.descriptor(wc.WRID)
	if bd == nil {
		t.log.Errorw("server receive completion with unknown work request",
			"wr_id", wc.WRID)
		return
	}

	qp, ok := t.queuePairs[wc.QPNum]
	if !ok {
		t.log.Errorw("receive completion for unknown queue pair", "qpn", wc.QPNum)
		t.metricPacketDropped("unknown_qp")
		t.postSrqReceive(t.serverSrq, bd)
		return
	}
	if wc.Status != ib.StatusSuccess {
		t.log.Errorw("failed to receive rpc", "status", wc.Status.String())
		t.metricCompletionFailed("receive", fmt.Errorf("infrc: %s", wc.Status))
		t.postSrqReceive(t.serverSrq, bd)
		return
	}
	if wc.ByteLen < nonceHeaderLen {
		t.log.Warnw("dropped runt request", "length", wc.ByteLen)
		t.metricPacketDropped("short_message")
		t.postSrqReceive(t.serverSrq, bd)
		return
	}

	nonce := binary.LittleEndian.Uint64(bd.buf[:nonceHeaderLen])
	rpc := newServerRpc(t, qp, nonce)
	srq := t.serverSrq
	// The request's sole chunk is the loaned SRQ buffer; dropping the
	// request returns it.
	rpc.request.AppendWithRelease(bd.buf[nonceHeaderLen:wc.ByteLen], func() {
		t.postSrqReceive(srq, bd)
	})
	t.log.Debugw("received request", "nonce", nonceHex(nonce))
	t.cfg.Manager.HandleRpc(rpc)
}

// RegisterLogMemory registers one region for zero-copy transmission.
// Requests whose payload chunk lies inside the region are sent without
// copying it into a transmit buffer. The transport treats the region as
// read-only.
func (t *Transport) RegisterLogMemory(region []byte) error {
	if t.closed {
		return ErrTransportClosed
	}
	mr, err := t.verbs.RegisterMemory(region)
	if err != nil {
		return fmt.Errorf("register log memory: %w", err)
	}
	t.logMemory = region
	t.logMemoryMR = mr
	t.log.Infow("registered log memory region", "bytes", len(region))
	return nil
}

// ServiceLocator returns the locator the server role was configured with,
// or the empty string for client-only transports.
func (t *Transport) ServiceLocator() string {
	return t.locator
}

// MaxRPCSize returns the maximum bytes per RPC in either direction.
func (t *Transport) MaxRPCSize() uint32 {
	return t.cfg.MaxRPCSize
}

// Close releases the transport's sockets and verbs resources. Queue pairs
// owned by sessions are the sessions' to close.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true

	var err error
	for _, qp := range t.queuePairs {
		err = multierr.Append(err, qp.Close())
	}
	if t.clientConn != nil {
		err = multierr.Append(err, t.clientConn.Close())
	}
	if t.serverConn != nil {
		err = multierr.Append(err, t.serverConn.Close())
	}
	for _, cq := range []ib.CompletionQueue{t.serverRxCq, t.clientRxCq, t.commonTxCq} {
		if cq != nil {
			err = multierr.Append(err, cq.Close())
		}
	}
	for _, srq := range []ib.SharedReceiveQueue{t.serverSrq, t.clientSrq} {
		if srq != nil {
			err = multierr.Append(err, srq.Close())
		}
	}
	if t.span != nil {
		t.span.End(err)
	}
	return err
}

// closePartial tears down whatever NewTransport managed to build before
// failing.
func (t *Transport) closePartial() {
	if t.clientConn != nil {
		_ = t.clientConn.Close()
	}
	if t.serverConn != nil {
		_ = t.serverConn.Close()
	}
}

func nonceHex(nonce uint64) string {
	return fmt.Sprintf("%016x", nonce)
}

func randomNonce() uint64 {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("infrc: nonce source failed: %v", err))
	}
	return binary.LittleEndian.Uint64(raw[:])
}

var _ dispatch.Poller = (*Transport)(nil)
