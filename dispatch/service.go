package dispatch

import (
	"context"
	"encoding/binary"

	"github.com/corestor/infrc-go/buffer"
)

// Status is the canonical result code carried at the front of every reply.
type Status uint32

const (
	// StatusOK indicates the request was serviced.
	StatusOK Status = iota
	// StatusMessageTooShort indicates the request had no complete header.
	StatusMessageTooShort
	// StatusUnimplementedRequest indicates an opcode outside the service's
	// range.
	StatusUnimplementedRequest
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusMessageTooShort:
		return "MESSAGE_TOO_SHORT"
	case StatusUnimplementedRequest:
		return "UNIMPLEMENTED_REQUEST"
	default:
		return "UNKNOWN_STATUS"
	}
}

const (
	// RequestHeaderLen is the size of the common request header.
	RequestHeaderLen = 2
	// ResponseHeaderLen is the size of the common response header.
	ResponseHeaderLen = 4
)

// RequestHeader is the common prefix of every request payload.
type RequestHeader struct {
	Opcode uint16
}

// ReadRequestHeader parses the common header from the front of a request.
// ok is false when the request is too short to contain one.
func ReadRequestHeader(req *buffer.Buffer) (hdr RequestHeader, ok bool) {
	raw, ok := req.Peek(RequestHeaderLen)
	if !ok {
		return RequestHeader{}, false
	}
	return RequestHeader{Opcode: binary.LittleEndian.Uint16(raw)}, true
}

// PrepareErrorResponse resets reply and fills it with a bare response header
// carrying status.
func PrepareErrorResponse(reply *buffer.Buffer, status Status) {
	reply.Reset()
	raw := make([]byte, ResponseHeaderLen)
	binary.LittleEndian.PutUint32(raw, uint32(status))
	reply.Append(raw)
}

// ReadResponseStatus parses the status from the front of a reply.
func ReadResponseStatus(reply *buffer.Buffer) (status Status, ok bool) {
	raw, ok := reply.Peek(ResponseHeaderLen)
	if !ok {
		return 0, false
	}
	return Status(binary.LittleEndian.Uint32(raw)), true
}

// Rpc is the unit handed to the service dispatcher: the worker executing the
// request, the request payload (header included), and the reply to fill.
type Rpc struct {
	Worker  *Worker
	Request *buffer.Buffer
	Reply   *buffer.Buffer
}

// Service dispatches one request. Implementations fill rpc.Reply and return.
// A returned error is fatal to the process: workers are the wrong place to
// absorb service failures, and upstream layers are expected to isolate them.
type Service interface {
	Handle(ctx context.Context, rpc *Rpc) error
}
