package infrc

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/corestor/infrc-go/buffer"
	"github.com/corestor/infrc-go/dispatch"
	"github.com/corestor/infrc-go/ib/loopback"
	"github.com/corestor/infrc-go/ping"
)

// Small geometry so tests do not register gigabytes of pool memory.
const (
	testMaxRPCSize = 16 * 1024
	testSrqDepth   = 8
	testTxDepth    = 4
)

func freeUDPLocator(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("probe udp port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()
	return fmt.Sprintf("kind=infrc,host=127.0.0.1,port=%d", port)
}

// cluster wires a server and a client transport to one dispatch loop over a
// shared loopback fabric, the way a node both serving and issuing RPCs runs
// in production.
type cluster struct {
	fabric     *loopback.Fabric
	d          *dispatch.Dispatch
	manager    *dispatch.WorkerManager
	serverNode *loopback.Node
	clientNode *loopback.Node
	server     *Transport
	client     *Transport
	locator    string
}

func newCluster(t *testing.T, clientCfg func(*Config)) *cluster {
	t.Helper()
	logger := zaptest.NewLogger(t)
	c := &cluster{
		fabric:  loopback.NewFabric(),
		d:       dispatch.New(logger),
		locator: freeUDPLocator(t),
	}
	c.manager = dispatch.NewWorkerManager(dispatch.ManagerConfig{
		Service:   &ping.Service{},
		MaxOpcode: ping.MaxOpcode,
		Logger:    logger,
	})
	c.d.Register(c.manager)

	c.serverNode = c.fabric.NewNode()
	server, err := NewTransport(Config{
		Verbs:              c.serverNode,
		Locator:            c.locator,
		Dispatch:           c.d,
		Manager:            c.manager,
		MaxRPCSize:         testMaxRPCSize,
		SharedRxQueueDepth: testSrqDepth,
		TxQueueDepth:       testTxDepth,
		Logger:             logger,
	})
	if err != nil {
		t.Fatalf("server transport: %v", err)
	}
	c.server = server

	c.clientNode = c.fabric.NewNode()
	cfg := Config{
		Verbs:              c.clientNode,
		Dispatch:           c.d,
		MaxRPCSize:         testMaxRPCSize,
		SharedRxQueueDepth: testSrqDepth,
		TxQueueDepth:       testTxDepth,
		Logger:             logger,
	}
	if clientCfg != nil {
		clientCfg(&cfg)
	}
	client, err := NewTransport(cfg)
	if err != nil {
		t.Fatalf("client transport: %v", err)
	}
	c.client = client

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return c
}

func (c *cluster) open(t *testing.T) *Session {
	t.Helper()
	session, err := c.client.OpenSession(c.locator)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return session
}

func pingRequest(data []byte) *buffer.Buffer {
	req := buffer.New()
	req.Append(ping.NewRequest(data))
	return req
}

func waitFinished(t *testing.T, c *cluster, rpcs ...*ClientRpc) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for _, rpc := range rpcs {
		for !rpc.Finished() {
			if time.Now().After(deadline) {
				t.Fatalf("rpc %s did not finish (state %s)", nonceHex(rpc.nonce), rpc.State())
			}
			c.d.Poll()
		}
	}
}

func TestSessionOpenFirstAttempt(t *testing.T) {
	c := newCluster(t, nil)
	session := c.open(t)
	defer session.Release()

	if !session.qp.Plumbed() {
		t.Fatal("client queue pair not plumbed")
	}
	if len(c.server.queuePairs) != 1 {
		t.Fatalf("server registry holds %d queue pairs", len(c.server.queuePairs))
	}
	for _, qp := range c.server.queuePairs {
		if !qp.Plumbed() {
			t.Fatal("server queue pair not plumbed")
		}
	}
}

func TestRpcRoundTrip(t *testing.T) {
	c := newCluster(t, nil)
	session := c.open(t)
	defer session.Release()

	response := buffer.New()
	rpc, err := session.SendRpc(pingRequest([]byte("hello")), response)
	if err != nil {
		t.Fatalf("send rpc: %v", err)
	}
	if err := rpc.Wait(); err != nil {
		t.Fatalf("rpc failed: %v", err)
	}
	if rpc.State() != StateResponseReceived {
		t.Fatalf("state: %s", rpc.State())
	}

	status, ok := dispatch.ReadResponseStatus(response)
	if !ok || status != dispatch.StatusOK {
		t.Fatalf("status: %v ok=%v", status, ok)
	}
	if got := response.Bytes()[dispatch.ResponseHeaderLen:]; !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("payload: %q", got)
	}
	response.Reset()

	// Buffer accounting after the response buffer is dropped.
	if c.client.numUsedClientSrqBuffers != c.client.outstanding.Len() {
		t.Fatalf("used srq buffers %d != outstanding %d",
			c.client.numUsedClientSrqBuffers, c.client.outstanding.Len())
	}
	if got := len(c.client.freeTx) + c.client.pendingTx; got != testTxDepth {
		t.Fatalf("tx accounting: free %d + pending %d != %d",
			len(c.client.freeTx), c.client.pendingTx, testTxDepth)
	}
}

// TestBackpressure fills the client SRQ admission window, checks the
// overflow RPC queues, and checks that draining promotes it FIFO.
func TestBackpressure(t *testing.T) {
	depth := 4
	c := newCluster(t, func(cfg *Config) {
		cfg.SharedRxQueueDepth = depth
	})
	session := c.open(t)
	defer session.Release()

	var rpcs []*ClientRpc
	var responses []*buffer.Buffer
	for i := 0; i < depth+1; i++ {
		response := buffer.New()
		rpc, err := session.SendRpc(pingRequest([]byte{byte(i)}), response)
		if err != nil {
			t.Fatalf("send rpc %d: %v", i, err)
		}
		rpcs = append(rpcs, rpc)
		responses = append(responses, response)
	}

	for i := 0; i < depth; i++ {
		if rpcs[i].State() != StateRequestSent {
			t.Fatalf("rpc %d state: %s", i, rpcs[i].State())
		}
	}
	if rpcs[depth].State() != StateQueued {
		t.Fatalf("overflow rpc state: %s", rpcs[depth].State())
	}
	if c.client.numUsedClientSrqBuffers != depth {
		t.Fatalf("used srq buffers: %d", c.client.numUsedClientSrqBuffers)
	}
	if c.client.outstanding.Len() != depth || c.client.clientSendQueue.Len() != 1 {
		t.Fatalf("lists: outstanding %d queue %d",
			c.client.outstanding.Len(), c.client.clientSendQueue.Len())
	}

	waitFinished(t, c, rpcs...)
	for i, rpc := range rpcs {
		if rpc.State() != StateResponseReceived {
			t.Fatalf("rpc %d terminal state: %s", i, rpc.State())
		}
		payload := responses[i].Bytes()[dispatch.ResponseHeaderLen:]
		if !bytes.Equal(payload, []byte{byte(i)}) {
			t.Fatalf("rpc %d echoed %x", i, payload)
		}
	}

	// Dropping the responses returns any loaned buffers.
	for _, response := range responses {
		response.Reset()
	}
	if c.client.numUsedClientSrqBuffers != 0 {
		t.Fatalf("used srq buffers after drain: %d", c.client.numUsedClientSrqBuffers)
	}
	if c.client.outstanding.Len() != 0 || c.client.clientSendQueue.Len() != 0 {
		t.Fatal("lists not empty after drain")
	}
}

func TestCancelDropsLateReply(t *testing.T) {
	c := newCluster(t, nil)
	session := c.open(t)
	defer session.Release()

	response := buffer.New()
	rpc, err := session.SendRpc(pingRequest([]byte("x")), response)
	if err != nil {
		t.Fatalf("send rpc: %v", err)
	}
	session.Cancel(rpc)

	if rpc.State() != StateCancelled {
		t.Fatalf("state: %s", rpc.State())
	}
	if !errors.Is(rpc.Err(), ErrRpcCancelled) {
		t.Fatalf("err: %v", rpc.Err())
	}
	if c.client.outstanding.Len() != 0 {
		t.Fatal("cancelled rpc still outstanding")
	}

	// The cancelled request is on the wire and its reply will arrive. The
	// client RX queue is only drained while RPCs are outstanding, so issue
	// another RPC; processing its reply also processes and drops the late
	// one, returning the loaned buffer.
	second := buffer.New()
	rpc2, err := session.SendRpc(pingRequest([]byte("y")), second)
	if err != nil {
		t.Fatalf("send second rpc: %v", err)
	}
	if err := rpc2.Wait(); err != nil {
		t.Fatalf("second rpc failed: %v", err)
	}
	second.Reset()

	deadline := time.Now().Add(5 * time.Second)
	for c.client.numUsedClientSrqBuffers != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("late reply never reclaimed: used=%d", c.client.numUsedClientSrqBuffers)
		}
		c.d.Poll()
	}
	if response.Size() != 0 {
		t.Fatalf("cancelled rpc received a response: %d bytes", response.Size())
	}
}

func TestCancelQueuedRpc(t *testing.T) {
	depth := 4
	c := newCluster(t, func(cfg *Config) { cfg.SharedRxQueueDepth = depth })
	session := c.open(t)
	defer session.Release()

	var rpcs []*ClientRpc
	for i := 0; i <= depth; i++ {
		rpc, err := session.SendRpc(pingRequest([]byte{byte(i)}), buffer.New())
		if err != nil {
			t.Fatalf("send rpc: %v", err)
		}
		rpcs = append(rpcs, rpc)
	}
	queued := rpcs[depth]
	if queued.State() != StateQueued {
		t.Fatalf("state: %s", queued.State())
	}
	session.Cancel(queued)
	if queued.State() != StateCancelled || c.client.clientSendQueue.Len() != 0 {
		t.Fatalf("cancel queued: state %s queue %d", queued.State(), c.client.clientSendQueue.Len())
	}
	waitFinished(t, c, rpcs[:depth]...)
}

func TestAbortFailsUnfinishedRpcs(t *testing.T) {
	depth := 4
	c := newCluster(t, func(cfg *Config) { cfg.SharedRxQueueDepth = depth })
	session := c.open(t)

	var rpcs []*ClientRpc
	for i := 0; i <= depth; i++ {
		rpc, err := session.SendRpc(pingRequest([]byte{byte(i)}), buffer.New())
		if err != nil {
			t.Fatalf("send rpc: %v", err)
		}
		rpcs = append(rpcs, rpc)
	}

	session.Abort(errors.New("server evicted"))
	for i, rpc := range rpcs {
		if rpc.State() != StateFailed {
			t.Fatalf("rpc %d state: %s", i, rpc.State())
		}
		if !errors.Is(rpc.Err(), ErrSessionAborted) {
			t.Fatalf("rpc %d err: %v", i, rpc.Err())
		}
	}
	if c.client.outstanding.Len() != 0 || c.client.clientSendQueue.Len() != 0 {
		t.Fatal("aborted rpcs still linked")
	}
	session.Release()
}

func TestRpcTooLarge(t *testing.T) {
	c := newCluster(t, nil)
	session := c.open(t)
	defer session.Release()

	big := buffer.New()
	big.Append(make([]byte, testMaxRPCSize+1))
	if _, err := session.SendRpc(big, buffer.New()); !errors.Is(err, ErrRpcTooLarge) {
		t.Fatalf("got %v, want ErrRpcTooLarge", err)
	}
}

// TestUnimplementedOpcode drives a request with an out-of-range opcode
// through the wire and expects the canonical error reply without any worker
// involvement.
func TestUnimplementedOpcode(t *testing.T) {
	c := newCluster(t, nil)
	session := c.open(t)
	defer session.Release()

	raw := make([]byte, dispatch.RequestHeaderLen)
	raw[0], raw[1] = 0xFF, 0xFF
	request := buffer.New()
	request.Append(raw)

	response := buffer.New()
	rpc, err := session.SendRpc(request, response)
	if err != nil {
		t.Fatalf("send rpc: %v", err)
	}
	if err := rpc.Wait(); err != nil {
		t.Fatalf("rpc failed: %v", err)
	}
	status, ok := dispatch.ReadResponseStatus(response)
	if !ok || status != dispatch.StatusUnimplementedRequest {
		t.Fatalf("status: %v ok=%v", status, ok)
	}
	if c.manager.Outstanding() != 0 {
		t.Fatalf("outstanding: %d", c.manager.Outstanding())
	}
}

func TestUnknownQueuePairDropped(t *testing.T) {
	c := newCluster(t, nil)
	session := c.open(t)
	defer session.Release()

	// Forget the server-side queue pair; the request completion must be
	// dropped and its buffer reposted rather than crashing the poller.
	for qpn := range c.server.queuePairs {
		delete(c.server.queuePairs, qpn)
	}

	rpc, err := session.SendRpc(pingRequest([]byte("lost")), buffer.New())
	if err != nil {
		t.Fatalf("send rpc: %v", err)
	}
	for i := 0; i < 50; i++ {
		c.d.Poll()
	}
	if rpc.Finished() {
		t.Fatalf("rpc finished unexpectedly: %s", rpc.State())
	}
	if rpc.State() != StateRequestSent {
		t.Fatalf("state: %s", rpc.State())
	}
}

func TestSequentialRpcsReuseSession(t *testing.T) {
	c := newCluster(t, nil)
	session := c.open(t)
	defer session.Release()

	for i := 0; i < 20; i++ {
		response := buffer.New()
		payload := []byte(fmt.Sprintf("seq-%02d", i))
		rpc, err := session.SendRpc(pingRequest(payload), response)
		if err != nil {
			t.Fatalf("send rpc %d: %v", i, err)
		}
		if err := rpc.Wait(); err != nil {
			t.Fatalf("rpc %d failed: %v", i, err)
		}
		if got := response.Bytes()[dispatch.ResponseHeaderLen:]; !bytes.Equal(got, payload) {
			t.Fatalf("rpc %d payload: %q", i, got)
		}
		response.Reset()
	}
	if c.client.numUsedClientSrqBuffers != 0 {
		t.Fatalf("used srq buffers: %d", c.client.numUsedClientSrqBuffers)
	}
}
