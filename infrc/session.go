package infrc

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"net"
	"unsafe"

	"github.com/google/uuid"

	"github.com/corestor/infrc-go/buffer"
	"github.com/corestor/infrc-go/ib"
)

// Session is a client-side connection to one server: a plumbed queue pair
// plus the transport it shares with every other session. Sessions and the
// RPCs issued on them live on the dispatch goroutine.
type Session struct {
	transport *Transport
	qp        ib.QueuePair
	id        string
	closed    bool
}

// OpenSession connects to the server named by locator, performing the UDP
// handshake to plumb a fresh queue pair. The caller must be the dispatch
// goroutine: while the handshake waits, it drives the dispatch loop.
func (t *Transport) OpenSession(locator string) (*Session, error) {
	if t.closed {
		return nil, ErrTransportClosed
	}
	loc, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", loc.UDPAddr())
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", locator, err)
	}
	qp, err := t.clientTrySetupQueuePair(addr)
	if err != nil {
		return nil, err
	}
	s := &Session{
		transport: t,
		qp:        qp,
		id:        uuid.NewString(),
	}
	t.log.Debugw("session open", "session", s.id, "server", addr)
	return s, nil
}

// Release closes the session's queue pair. Outstanding RPCs are failed as
// aborted first so no RPC survives its session.
func (s *Session) Release() {
	if s.closed {
		return
	}
	s.Abort(ErrSessionClosed)
	s.closed = true
	_ = s.qp.Close()
}

// Abort fails every unfinished RPC issued on this session with reason,
// wrapped in ErrSessionAborted. Requests already on the wire are not
// recalled; their late replies are dropped as unmatched.
func (s *Session) Abort(reason error) {
	t := s.transport
	fail := func(l *list.List) {
		for e := l.Front(); e != nil; {
			next := e.Next()
			rpc := e.Value.(*ClientRpc)
			if rpc.session == s {
				l.Remove(e)
				rpc.elem = nil
				rpc.finish(StateFailed, fmt.Errorf("%w: %v", ErrSessionAborted, reason))
			}
			e = next
		}
	}
	fail(&t.outstanding)
	fail(&t.clientSendQueue)
}

// Cancel marks rpc as cancelled and removes it from whichever list holds
// it. An in-flight request is not recalled; a late matching completion is
// dropped silently as an unmatched nonce.
func (s *Session) Cancel(rpc *ClientRpc) {
	if rpc == nil || rpc.session != s || rpc.Finished() {
		return
	}
	s.transport.unlink(rpc)
	rpc.finish(StateCancelled, ErrRpcCancelled)
}

// RpcState is the ClientRpc lifecycle state.
type RpcState int

const (
	// StatePending: constructed, not yet admitted.
	StatePending RpcState = iota
	// StateQueued: waiting in the client send queue for a receive buffer.
	StateQueued
	// StateRequestSent: on the wire, linked in the outstanding list.
	StateRequestSent
	// StateResponseReceived: terminal success.
	StateResponseReceived
	// StateCancelled: terminal, removed by Cancel.
	StateCancelled
	// StateFailed: terminal transport failure.
	StateFailed
)

func (s RpcState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateQueued:
		return "QUEUED"
	case StateRequestSent:
		return "REQUEST_SENT"
	case StateResponseReceived:
		return "RESPONSE_RECEIVED"
	case StateCancelled:
		return "CANCELLED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ClientRpc tracks one request from admission to its terminal state. It is
// linked in exactly one of the transport's two lists while live: the
// outstanding list once sent, the client send queue while awaiting a
// receive buffer.
type ClientRpc struct {
	transport *Transport
	session   *Session
	request   *buffer.Buffer
	response  *buffer.Buffer
	nonce     uint64
	state     RpcState
	err       error
	done      chan struct{}
	elem      *list.Element
}

// SendRpc issues a request on the session. The response buffer is filled
// when the reply arrives; completion is observable through Done, Finished,
// or Wait. Requests above MaxRPCSize fail synchronously.
func (s *Session) SendRpc(request, response *buffer.Buffer) (*ClientRpc, error) {
	t := s.transport
	if s.closed {
		return nil, ErrSessionClosed
	}
	if t.closed {
		return nil, ErrTransportClosed
	}
	if uint32(request.Size()) > t.cfg.MaxRPCSize {
		return nil, fmt.Errorf("%w: request is %d bytes, maximum %d",
			ErrRpcTooLarge, request.Size(), t.cfg.MaxRPCSize)
	}
	rpc := &ClientRpc{
		transport: t,
		session:   s,
		request:   request,
		response:  response,
		nonce:     randomNonce(),
		state:     StatePending,
		done:      make(chan struct{}),
	}
	rpc.sendOrQueue()
	return rpc, nil
}

// sendOrQueue transmits the request if a client SRQ buffer is guaranteed
// available for its reply, and queues it otherwise. Queued RPCs are re-run
// from postSrqReceive as buffers return, preserving FIFO order.
func (r *ClientRpc) sendOrQueue() {
	t := r.transport
	if t.numUsedClientSrqBuffers >= t.cfg.SharedRxQueueDepth {
		r.elem = t.clientSendQueue.PushBack(r)
		r.state = StateQueued
		t.log.Debugw("queued send request", "nonce", nonceHex(r.nonce))
		t.metricRequestQueued()
		return
	}

	zeroCopy := t.zeroCopyPayload(r.request)
	header := make([]byte, nonceHeaderLen)
	binary.LittleEndian.PutUint64(header, r.nonce)
	r.request.Prepend(header)

	var err error
	if zeroCopy != nil {
		err = t.postZeroCopySend(r.session.qp, r.request, zeroCopy)
	} else {
		err = t.postCopiedSend(r.session.qp, r.request)
	}
	r.request.TruncateFront(nonceHeaderLen)
	if err != nil {
		r.finish(StateFailed, err)
		return
	}

	r.elem = t.outstanding.PushBack(r)
	t.numUsedClientSrqBuffers++
	r.state = StateRequestSent
	t.log.Debugw("sent request", "nonce", nonceHex(r.nonce))
	t.metricRequestSent()
}

// Nonce returns the RPC's demultiplexing key.
func (r *ClientRpc) Nonce() uint64 { return r.nonce }

// State returns the RPC's current state. Dispatch-goroutine only.
func (r *ClientRpc) State() RpcState { return r.state }

// Err returns the terminal error, nil until failed or cancelled.
func (r *ClientRpc) Err() error { return r.err }

// Finished reports whether the RPC reached a terminal state.
func (r *ClientRpc) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the RPC reaches a terminal state.
func (r *ClientRpc) Done() <-chan struct{} { return r.done }

// Wait drives the dispatch loop until the RPC finishes and returns its
// terminal error. Must be called on the dispatch goroutine.
func (r *ClientRpc) Wait() error {
	for !r.Finished() {
		r.transport.cfg.Dispatch.Poll()
	}
	return r.err
}

func (r *ClientRpc) finish(state RpcState, err error) {
	if r.Finished() {
		return
	}
	r.state = state
	r.err = err
	close(r.done)
}

// postCopiedSend copies the whole request into a transmit buffer and posts
// it as a single gather element.
func (t *Transport) postCopiedSend(qp ib.QueuePair, request *buffer.Buffer) error {
	bd := t.getTransmitBuffer()
	n := request.CopyTo(0, bd.buf[:request.Size()])
	if err := t.verbs.PostSend(qp, bd.id, bd.buf[:n], bd.mr); err != nil {
		t.freeTx = append(t.freeTx, bd)
		return fmt.Errorf("post send: %w", err)
	}
	t.pendingTx++
	return nil
}

// postZeroCopySend copies everything up to the payload chunk into a
// transmit buffer and posts the payload as a second gather element pointing
// into the registered log region.
func (t *Transport) postZeroCopySend(qp ib.QueuePair, request *buffer.Buffer, payload []byte) error {
	bd := t.getTransmitBuffer()
	headLen := request.Size() - len(payload)
	request.CopyTo(0, bd.buf[:headLen])
	t.log.Debugw("sending zero-copy request", "payload_bytes", len(payload))
	if err := t.verbs.PostSendGather(qp, bd.id, bd.buf[:headLen], bd.mr, payload, t.logMemoryMR); err != nil {
		t.freeTx = append(t.freeTx, bd)
		return fmt.Errorf("post gather send: %w", err)
	}
	t.pendingTx++
	return nil
}

// zeroCopyPayload returns the request's payload chunk when the request
// qualifies for the zero-copy path: a registered log region exists, the
// request is exactly two chunks, and the second chunk lies fully inside the
// region. Any departure returns nil and the send copies.
func (t *Transport) zeroCopyPayload(request *buffer.Buffer) []byte {
	if t.logMemory == nil || request.NumChunks() != 2 {
		return nil
	}
	payload := request.Chunk(1)
	if len(payload) == 0 {
		return nil
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(t.logMemory)))
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(payload)))
	if addr < base || addr+uintptr(len(payload)) > base+uintptr(len(t.logMemory)) {
		return nil
	}
	return payload
}
