// Package wire implements the farfs datagram protocol. Every request and
// every response is a single UDP datagram no larger than MaxDatagramSize.
//
// Requests are path-based: the server has no notion of the client's inode
// numbers, and every request names the absolute path (within the served
// root) it operates on.
package wire

import "net"

// Request is a request body sent from a client to a server.
type Request interface {
	wireRequest()
	targetPath() string
}

// Response is a response body sent from a server after processing a request.
type Response interface {
	wireResponse()
}

// ServerTransport is used by servers to receive requests and send responses
// to the peers which sent them.
type ServerTransport interface {
	// RecvRequest gets the next well-formed request. Malformed datagrams are
	// discarded by the transport and never returned.
	RecvRequest() (peer net.Addr, h RequestHeader, r Request, err error)

	// SendResponse sends a response to peer. r may be nil when h carries an
	// error status.
	SendResponse(peer net.Addr, h ResponseHeader, r Response) error

	// Close the transport.
	Close() error
}

// PathOf returns the path a request operates on. Requests without a path
// (Exit) return an empty string.
func PathOf(r Request) string {
	if r == nil {
		return ""
	}
	return r.targetPath()
}
