// Package loopback implements the ib.Verbs capability as an in-process
// fabric. Nodes joined to the same Fabric exchange messages through plumbed
// queue pairs with the same observable semantics as the real device: posted
// receives are consumed in order from the shared receive queue, work-request
// IDs round-trip through completions, completions carry the local queue pair
// number, and an undersized receive buffer fails the transfer on both ends.
//
// It exists so the transport and its tests can run without an HCA.
package loopback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/corestor/infrc-go/ib"
)

// Fabric joins nodes into one in-process Infiniband subnet.
type Fabric struct {
	mu      sync.Mutex
	nodes   map[uint16]*Node
	nextLID uint16
}

// NewFabric returns an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		nodes:   make(map[uint16]*Node),
		nextLID: 1,
	}
}

// NewNode creates a node on the fabric with the next free LID.
func (f *Fabric) NewNode() *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := &Node{
		fabric:  f,
		lid:     f.nextLID,
		nextQPN: 100,
		nextPSN: 1,
		qps:     make(map[uint32]*queuePair),
	}
	f.nextLID++
	f.nodes[n.lid] = n
	return n
}

// Stats counts fabric activity on one node. Snapshot via Node.Stats.
type Stats struct {
	Sends       uint64
	GatherSends uint64
	Deliveries  uint64
}

// Node is one endpoint on the fabric, implementing ib.Verbs.
type Node struct {
	fabric   *Fabric
	lid      uint16
	nextQPN  uint32
	nextPSN  uint32
	nextLKey uint32
	qps      map[uint32]*queuePair
	closed   bool
	stats    Stats
}

var _ ib.Verbs = (*Node)(nil)

// LID returns the node's local identifier. The loopback device has a single
// port, so every port number from 1 up maps to the same LID; port numbers
// below 1 return ErrUnknownPort.
func (n *Node) LID(port int) (uint16, error) {
	if port < 1 {
		return 0, ib.ErrUnknownPort
	}
	return n.lid, nil
}

// Stats returns a snapshot of the node's counters.
func (n *Node) Stats() Stats {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	return n.stats
}

type memoryRegion struct {
	buf  []byte
	lkey uint32
}

func (m *memoryRegion) Bytes() []byte { return m.buf }
func (m *memoryRegion) LKey() uint32  { return m.lkey }

type postedRecv struct {
	wrID uint64
	buf  []byte
}

type sharedReceiveQueue struct {
	node   *Node
	posted []postedRecv
	closed bool
}

func (s *sharedReceiveQueue) Close() error {
	s.node.fabric.mu.Lock()
	defer s.node.fabric.mu.Unlock()
	s.closed = true
	s.posted = nil
	return nil
}

type completionQueue struct {
	node    *Node
	entries []ib.WorkCompletion
	closed  bool
}

func (c *completionQueue) Close() error {
	c.node.fabric.mu.Lock()
	defer c.node.fabric.mu.Unlock()
	c.closed = true
	c.entries = nil
	return nil
}

type queuePair struct {
	node   *Node
	num    uint32
	psn    uint32
	srq    *sharedReceiveQueue
	txCQ   *completionQueue
	rxCQ   *completionQueue
	remote *ib.QueuePairTuple
	closed bool
}

func (q *queuePair) LocalNum() uint32   { return q.num }
func (q *queuePair) InitialPSN() uint32 { return q.psn }

func (q *queuePair) Plumbed() bool {
	q.node.fabric.mu.Lock()
	defer q.node.fabric.mu.Unlock()
	return q.remote != nil
}

func (q *queuePair) Plumb(remote *ib.QueuePairTuple) error {
	q.node.fabric.mu.Lock()
	defer q.node.fabric.mu.Unlock()
	if q.closed {
		return ib.ErrQueuePairClosed
	}
	if q.remote != nil {
		return ib.ErrAlreadyPlumbed
	}
	r := *remote
	q.remote = &r
	return nil
}

func (q *queuePair) Close() error {
	q.node.fabric.mu.Lock()
	defer q.node.fabric.mu.Unlock()
	if !q.closed {
		q.closed = true
		delete(q.node.qps, q.num)
	}
	return nil
}

// CreateSharedReceiveQueue creates an SRQ. Depth and SGE limits are accepted
// for interface parity; the loopback queue grows as posted.
func (n *Node) CreateSharedReceiveQueue(maxWRs, maxSGEs int) (ib.SharedReceiveQueue, error) {
	if maxWRs <= 0 {
		return nil, errors.New("loopback: non-positive SRQ depth")
	}
	return &sharedReceiveQueue{node: n}, nil
}

// CreateCompletionQueue creates a CQ.
func (n *Node) CreateCompletionQueue(minEntries int) (ib.CompletionQueue, error) {
	if minEntries <= 0 {
		return nil, errors.New("loopback: non-positive CQ depth")
	}
	return &completionQueue{node: n}, nil
}

// CreateQueuePair creates an RC queue pair in the INIT state.
func (n *Node) CreateQueuePair(cfg ib.QueuePairConfig) (ib.QueuePair, error) {
	srq, ok := cfg.SRQ.(*sharedReceiveQueue)
	if !ok || srq == nil {
		return nil, errors.New("loopback: queue pair requires a loopback SRQ")
	}
	txCQ, ok := cfg.TxCQ.(*completionQueue)
	if !ok || txCQ == nil {
		return nil, errors.New("loopback: queue pair requires a loopback TX CQ")
	}
	rxCQ, ok := cfg.RxCQ.(*completionQueue)
	if !ok || rxCQ == nil {
		return nil, errors.New("loopback: queue pair requires a loopback RX CQ")
	}
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	qp := &queuePair{
		node: n,
		num:  n.nextQPN,
		psn:  n.nextPSN,
		srq:  srq,
		txCQ: txCQ,
		rxCQ: rxCQ,
	}
	n.nextQPN++
	n.nextPSN += 7
	n.qps[qp.num] = qp
	return qp, nil
}

// RegisterMemory registers buf and hands back a region with a fresh lkey.
func (n *Node) RegisterMemory(buf []byte) (ib.MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, errors.New("loopback: empty memory registration")
	}
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	n.nextLKey++
	return &memoryRegion{buf: buf, lkey: n.nextLKey}, nil
}

// PostSRQReceive appends buf to the shared receive queue's posted buffers.
func (n *Node) PostSRQReceive(srq ib.SharedReceiveQueue, wrID uint64, buf []byte, mr ib.MemoryRegion) error {
	s, ok := srq.(*sharedReceiveQueue)
	if !ok {
		return errors.New("loopback: foreign SRQ")
	}
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if s.closed {
		return errors.New("loopback: SRQ closed")
	}
	s.posted = append(s.posted, postedRecv{wrID: wrID, buf: buf})
	return nil
}

// PostSend transmits buf on the queue pair as a single gather element.
func (n *Node) PostSend(qp ib.QueuePair, wrID uint64, buf []byte, mr ib.MemoryRegion) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	n.stats.Sends++
	return n.deliverLocked(qp, wrID, buf, nil)
}

// PostSendGather transmits head followed by payload as two gather elements.
func (n *Node) PostSendGather(qp ib.QueuePair, wrID uint64, head []byte, headMR ib.MemoryRegion, payload []byte, payloadMR ib.MemoryRegion) error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	n.stats.GatherSends++
	return n.deliverLocked(qp, wrID, head, payload)
}

// deliverLocked moves the message into the head buffer of the remote SRQ and
// pushes completions on both ends. Delivery failures surface as error
// completions, never as posting errors, matching the asynchronous device.
func (n *Node) deliverLocked(qp ib.QueuePair, wrID uint64, head, payload []byte) error {
	q, ok := qp.(*queuePair)
	if !ok {
		return errors.New("loopback: foreign queue pair")
	}
	if q.closed {
		return ib.ErrQueuePairClosed
	}
	if q.remote == nil {
		return ib.ErrNotPlumbed
	}

	total := uint32(len(head) + len(payload))
	fail := func(status ib.CompletionStatus) {
		q.txCQ.entries = append(q.txCQ.entries, ib.WorkCompletion{
			WRID:   wrID,
			Status: status,
			QPNum:  q.num,
		})
	}

	peerNode, ok := n.fabric.nodes[q.remote.LID]
	if !ok {
		fail(ib.StatusError)
		return nil
	}
	peer, ok := peerNode.qps[q.remote.QPN]
	if !ok || peer.closed || peer.remote == nil || peer.remote.QPN != q.num {
		fail(ib.StatusRemoteInvalidRequest)
		return nil
	}
	if len(peer.srq.posted) == 0 {
		// Receiver-not-ready retries exhausted.
		fail(ib.StatusRemoteInvalidRequest)
		return nil
	}

	recv := peer.srq.posted[0]
	peer.srq.posted = peer.srq.posted[1:]
	if uint32(len(recv.buf)) < total {
		// The device does not scatter over multiple posted buffers; both
		// ends observe the failure.
		peer.rxCQ.entries = append(peer.rxCQ.entries, ib.WorkCompletion{
			WRID:   recv.wrID,
			Status: ib.StatusLocalLengthError,
			QPNum:  peer.num,
		})
		fail(ib.StatusRemoteInvalidRequest)
		return nil
	}

	copied := copy(recv.buf, head)
	copy(recv.buf[copied:], payload)
	peerNode.stats.Deliveries++
	peer.rxCQ.entries = append(peer.rxCQ.entries, ib.WorkCompletion{
		WRID:    recv.wrID,
		Status:  ib.StatusSuccess,
		ByteLen: total,
		QPNum:   peer.num,
	})
	q.txCQ.entries = append(q.txCQ.entries, ib.WorkCompletion{
		WRID:    wrID,
		Status:  ib.StatusSuccess,
		ByteLen: total,
		QPNum:   q.num,
	})
	return nil
}

// PollCompletionQueue drains up to len(wcs) entries.
func (n *Node) PollCompletionQueue(cq ib.CompletionQueue, wcs []ib.WorkCompletion) (int, error) {
	c, ok := cq.(*completionQueue)
	if !ok {
		return 0, errors.New("loopback: foreign completion queue")
	}
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if c.closed {
		return 0, errors.New("loopback: completion queue closed")
	}
	count := copy(wcs, c.entries)
	c.entries = c.entries[count:]
	return count, nil
}

// Close removes the node from the fabric.
func (n *Node) Close() error {
	n.fabric.mu.Lock()
	defer n.fabric.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, qp := range n.qps {
		qp.closed = true
	}
	delete(n.fabric.nodes, n.lid)
	return nil
}

// String identifies the node in logs.
func (n *Node) String() string {
	return fmt.Sprintf("loopback(lid=%d)", n.lid)
}
