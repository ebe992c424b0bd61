// Package ping provides a minimal echo service: the reply carries a
// success status followed by the request's payload. Useful for liveness
// probes and for exercising the full server path in tests.
package ping

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/corestor/infrc-go/dispatch"
)

// Opcode is the ping request opcode.
const Opcode uint16 = 7

// MaxOpcode is one past the highest opcode this service understands; wire
// it into the worker manager's opcode bound.
const MaxOpcode uint16 = 8

// Service implements dispatch.Service.
type Service struct{}

var _ dispatch.Service = (*Service)(nil)

// Handle echoes the request payload back with an OK status.
func (s *Service) Handle(_ context.Context, rpc *dispatch.Rpc) error {
	hdr, ok := dispatch.ReadRequestHeader(rpc.Request)
	if !ok {
		return fmt.Errorf("ping: request with no header reached the service")
	}
	if hdr.Opcode != Opcode {
		return fmt.Errorf("ping: unexpected opcode %d", hdr.Opcode)
	}

	status := make([]byte, dispatch.ResponseHeaderLen)
	binary.LittleEndian.PutUint32(status, uint32(dispatch.StatusOK))
	rpc.Reply.Reset()
	rpc.Reply.Append(status)

	payload := rpc.Request.Bytes()[dispatch.RequestHeaderLen:]
	rpc.Reply.AppendCopy(payload)
	return nil
}

// NewRequest builds a ping request payload echoing data.
func NewRequest(data []byte) []byte {
	req := make([]byte, dispatch.RequestHeaderLen+len(data))
	binary.LittleEndian.PutUint16(req, Opcode)
	copy(req[dispatch.RequestHeaderLen:], data)
	return req
}
