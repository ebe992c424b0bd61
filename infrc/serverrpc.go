package infrc

import (
	"encoding/binary"
	"fmt"

	"github.com/corestor/infrc-go/buffer"
	"github.com/corestor/infrc-go/dispatch"
	"github.com/corestor/infrc-go/ib"
)

// ServerRpc is one incoming request: the queue pair it arrived on, the nonce
// to echo, the request payload (whose sole chunk is a loaned SRQ buffer),
// and the reply under construction. Created by the poller, destroyed by
// SendReply.
type ServerRpc struct {
	transport *Transport
	qp        ib.QueuePair
	nonce     uint64
	id        uint64
	epoch     uint64
	request   *buffer.Buffer
	reply     *buffer.Buffer
}

var _ dispatch.ServerRpc = (*ServerRpc)(nil)

func newServerRpc(t *Transport, qp ib.QueuePair, nonce uint64) *ServerRpc {
	return &ServerRpc{
		transport: t,
		qp:        qp,
		nonce:     nonce,
		request:   buffer.New(),
		reply:     buffer.New(),
	}
}

// Request returns the request payload, header stripped.
func (r *ServerRpc) Request() *buffer.Buffer { return r.request }

// Reply returns the reply buffer the service fills.
func (r *ServerRpc) Reply() *buffer.Buffer { return r.reply }

// SetID records the dispatcher-assigned id.
func (r *ServerRpc) SetID(id uint64) { r.id = id }

// ID returns the dispatcher-assigned id.
func (r *ServerRpc) ID() uint64 { return r.id }

// SetEpoch records the epoch stamp applied before servicing.
func (r *ServerRpc) SetEpoch(epoch uint64) { r.epoch = epoch }

// Epoch returns the epoch stamp.
func (r *ServerRpc) Epoch() uint64 { return r.epoch }

// SendReply transmits the reply on the queue pair the request arrived on
// and releases the RPC's resources, returning the loaned request buffer to
// the server SRQ. Must be called on the dispatch goroutine, exactly once.
func (r *ServerRpc) SendReply() error {
	t := r.transport
	// Dropping the request reposts its SRQ buffer whether or not the
	// reply makes it out.
	defer r.request.Reset()

	t.log.Debugw("sending response", "nonce", nonceHex(r.nonce))
	if uint32(r.reply.Size()) > t.cfg.MaxRPCSize {
		return fmt.Errorf("%w: reply is %d bytes, maximum %d",
			ErrRpcTooLarge, r.reply.Size(), t.cfg.MaxRPCSize)
	}

	header := make([]byte, nonceHeaderLen)
	binary.LittleEndian.PutUint64(header, r.nonce)
	r.reply.Prepend(header)

	bd := t.getTransmitBuffer()
	n := r.reply.CopyTo(0, bd.buf[:r.reply.Size()])
	err := t.verbs.PostSend(r.qp, bd.id, bd.buf[:n], bd.mr)
	r.reply.TruncateFront(nonceHeaderLen)
	if err != nil {
		t.freeTx = append(t.freeTx, bd)
		return fmt.Errorf("post reply send: %w", err)
	}
	t.pendingTx++
	t.metricReplySent()
	t.log.Debugw("sent response", "nonce", nonceHex(r.nonce))
	return nil
}
