package infrc

import (
	"fmt"
	"net"
	"time"

	"github.com/corestor/infrc-go/ib"
)

// handshakePollSlice is how long each read on the client setup socket may
// block before the opener drives the dispatch loop again. Short enough that
// a transport connecting to itself answers its own handshake promptly.
const handshakePollSlice = time.Millisecond

// serverSetupPollSlice is how far ahead pollServerSetup sets the setup
// socket's read deadline. A deadline already in the past fails the read
// before the socket is checked, so it must lie in the future. A queued
// datagram is read at once; on an idle socket the read waits until the
// deadline, which the runtime's timers may stretch to about a millisecond.
const serverSetupPollSlice = 100 * time.Microsecond

// clientTrySetupQueuePair builds a client queue pair and completes the UDP
// handshake with the server at addr: send our tuple, wait for a reply whose
// nonce matches, plumb the queue pair with the server's tuple. One datagram
// is sent per attempt; each attempt gets a fresh nonce so stale replies from
// earlier attempts are recognizable and dropped.
func (t *Transport) clientTrySetupQueuePair(addr *net.UDPAddr) (ib.QueuePair, error) {
	qp, err := t.verbs.CreateQueuePair(ib.QueuePairConfig{
		Type:       ib.TypeRC,
		Port:       t.port,
		SRQ:        t.clientSrq,
		TxCQ:       t.commonTxCq,
		RxCQ:       t.clientRxCq,
		MaxSendWRs: t.cfg.TxQueueDepth,
		MaxRecvWRs: t.cfg.SharedRxQueueDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("create queue pair: %w", err)
	}

	for attempt := 0; attempt < t.cfg.QPExchangeMaxTimeouts; attempt++ {
		outgoing := ib.QueuePairTuple{
			LID:   t.lid,
			QPN:   qp.LocalNum(),
			PSN:   qp.InitialPSN(),
			Nonce: randomNonce(),
		}
		incoming, ok, err := t.clientTryExchange(addr, &outgoing)
		if err != nil {
			_ = qp.Close()
			return nil, err
		}
		if !ok {
			t.log.Warnw("timed out waiting for handshake response; retrying",
				"addr", addr, "attempt", attempt+1)
			t.metricHandshakeRetried()
			continue
		}
		if err := qp.Plumb(incoming); err != nil {
			_ = qp.Close()
			return nil, fmt.Errorf("plumb queue pair: %w", err)
		}
		t.metricHandshakeCompleted()
		t.spanEvent("handshake", TraceAttribute{Key: "addr", Value: addr.String()})
		return qp, nil
	}

	_ = qp.Close()
	return nil, fmt.Errorf("%w: no response from %s after %d attempts of %s",
		ErrHandshakeTimeout, addr, t.cfg.QPExchangeMaxTimeouts, t.cfg.QPExchangeTimeout)
}

// clientTryExchange performs one handshake attempt: a single send, then
// reads until a reply carries the attempt's nonce or the attempt timeout
// elapses. Replies with foreign nonces belong to earlier attempts and are
// dropped with a warning. Between reads the opener drives the dispatch loop
// so a self-connect can answer its own datagram.
func (t *Transport) clientTryExchange(addr *net.UDPAddr, outgoing *ib.QueuePairTuple) (*ib.QueuePairTuple, bool, error) {
	deadline := t.clock.Now().Add(t.cfg.QPExchangeTimeout)

	if _, err := t.clientConn.WriteToUDP(outgoing.Encode(), addr); err != nil {
		return nil, false, fmt.Errorf("%w: send to %s: %v", ErrHandshakeTransport, addr, err)
	}

	raw := make([]byte, 64)
	for {
		if !t.clock.Now().Before(deadline) {
			return nil, false, nil
		}
		if err := t.clientConn.SetReadDeadline(time.Now().Add(handshakePollSlice)); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrHandshakeTransport, err)
		}
		n, _, err := t.clientConn.ReadFromUDP(raw)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.cfg.Dispatch.Poll()
				continue
			}
			return nil, false, fmt.Errorf("%w: receive: %v", ErrHandshakeTransport, err)
		}
		incoming, err := ib.DecodeTuple(raw[:n])
		if err != nil {
			t.log.Warnw("handshake reply has strange size", "length", n)
			continue
		}
		if incoming.Nonce != outgoing.Nonce {
			t.log.Warnw("received nonce doesn't match",
				"got", nonceHex(incoming.Nonce), "want", nonceHex(outgoing.Nonce))
			continue
		}
		return &incoming, true, nil
	}
}

// pollServerSetup accepts at most one handshake datagram per dispatch tick,
// waiting no longer than serverSetupPollSlice when none is queued.
func (t *Transport) pollServerSetup() int {
	if err := t.serverConn.SetReadDeadline(time.Now().Add(serverSetupPollSlice)); err != nil {
		t.log.Errorw("handshake socket deadline failed", "error", err)
		return 0
	}
	n, addr, err := t.serverConn.ReadFromUDP(t.setupBuf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0
		}
		t.log.Errorw("handshake socket receive failed", "error", err)
		return 0
	}
	incoming, err := ib.DecodeTuple(t.setupBuf[:n])
	if err != nil {
		t.log.Warnw("handshake request has strange size", "length", n)
		return 1
	}
	t.handleServerHandshake(&incoming, addr)
	return 1
}

// handleServerHandshake builds a server-side queue pair for a connecting
// client, plumbs it with the client's tuple, and replies with our tuple
// carrying the client's nonce back unchanged.
//
// If the reply datagram is lost the client retries and gets a fresh queue
// pair, leaving this one half-open in the registry; no reaping happens at
// this layer.
func (t *Transport) handleServerHandshake(incoming *ib.QueuePairTuple, addr *net.UDPAddr) {
	qp, err := t.verbs.CreateQueuePair(ib.QueuePairConfig{
		Type:       ib.TypeRC,
		Port:       t.port,
		SRQ:        t.serverSrq,
		TxCQ:       t.commonTxCq,
		RxCQ:       t.serverRxCq,
		MaxSendWRs: t.cfg.TxQueueDepth,
		MaxRecvWRs: t.cfg.SharedRxQueueDepth,
	})
	if err != nil {
		t.log.Errorw("failed to create server queue pair", "error", err)
		return
	}
	if err := qp.Plumb(incoming); err != nil {
		t.log.Errorw("failed to plumb server queue pair", "error", err)
		_ = qp.Close()
		return
	}

	outgoing := ib.QueuePairTuple{
		LID:   t.lid,
		QPN:   qp.LocalNum(),
		PSN:   qp.InitialPSN(),
		Nonce: incoming.Nonce,
	}
	if _, err := t.serverConn.WriteToUDP(outgoing.Encode(), addr); err != nil {
		t.log.Warnw("handshake reply send failed", "error", err, "addr", addr)
		_ = qp.Close()
		return
	}

	t.queuePairs[qp.LocalNum()] = qp
	t.metricHandshakeCompleted()
	t.log.Debugw("plumbed server queue pair",
		"qpn", qp.LocalNum(), "peer", addr, "nonce", nonceHex(incoming.Nonce))
}
