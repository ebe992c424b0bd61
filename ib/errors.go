package ib

import "errors"

var (
	// ErrQueuePairClosed indicates an operation on a closed queue pair.
	ErrQueuePairClosed = errors.New("ib: queue pair closed")
	// ErrNotPlumbed indicates a send was posted before the queue pair was
	// connected to its remote end.
	ErrNotPlumbed = errors.New("ib: queue pair not plumbed")
	// ErrAlreadyPlumbed indicates Plumb was called twice.
	ErrAlreadyPlumbed = errors.New("ib: queue pair already plumbed")
	// ErrShortTuple indicates a handshake datagram smaller than the fixed
	// tuple encoding.
	ErrShortTuple = errors.New("ib: short queue pair tuple")
	// ErrUnknownPort indicates an LID query for a port the device does not
	// have.
	ErrUnknownPort = errors.New("ib: unknown physical port")
)
