package infrc

import "errors"

var (
	// ErrHandshakeTimeout indicates no matching handshake reply arrived
	// within the retry budget.
	ErrHandshakeTimeout = errors.New("infrc: handshake timed out")
	// ErrHandshakeTransport indicates a handshake socket call failed
	// unexpectedly.
	ErrHandshakeTransport = errors.New("infrc: handshake transport failure")
	// ErrRpcTooLarge indicates a request or reply payload above MaxRPCSize.
	ErrRpcTooLarge = errors.New("infrc: rpc exceeds maximum size")
	// ErrRpcCancelled is the terminal error of a cancelled ClientRpc.
	ErrRpcCancelled = errors.New("infrc: rpc cancelled")
	// ErrSessionAborted is the terminal error of RPCs failed by Session.Abort.
	ErrSessionAborted = errors.New("infrc: session aborted")
	// ErrSessionClosed indicates a send on a released session.
	ErrSessionClosed = errors.New("infrc: session closed")
	// ErrReceiveFailed indicates a non-success receive completion matched to
	// an outstanding RPC.
	ErrReceiveFailed = errors.New("infrc: receive completion failed")
	// ErrTransportClosed indicates use of a closed transport.
	ErrTransportClosed = errors.New("infrc: transport closed")
	// ErrWrongKind indicates a service locator whose kind is not infrc.
	ErrWrongKind = errors.New("infrc: service locator kind is not infrc")
)
