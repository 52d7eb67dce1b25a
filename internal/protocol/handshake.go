// ABOUTME: Handshake request/response types and protocol version negotiation
// ABOUTME: The connect call must be the first request on every connection

package protocol

import (
	"errors"
	"fmt"
)

// MethodConnect is the only method accepted before a successful handshake.
const MethodConnect = "connect"

// ErrVersionMismatch means the client and server version ranges do not
// overlap. The connection is refused, never silently upgraded or downgraded.
var ErrVersionMismatch = errors.New("no common protocol version")

// ClientInfo describes the connecting client.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectAuth carries optional credentials on the connect call. Either a
// bearer token or a password; token wins when both are present.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// ConnectParams are the parameters of the connect request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
}

// ServerInfo describes this gateway in the hello payload.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HelloPayload is the success payload of the connect response.
type HelloPayload struct {
	Type     string     `json:"type"` // always "hello-ok"
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
}

// NegotiateVersion computes the protocol version for a connection: the
// highest version inside the intersection of the client's [min, max] range
// and the server's supported range. Returns ErrVersionMismatch when the
// intersection is empty or the client range is malformed.
func NegotiateVersion(clientMin, clientMax int) (int, error) {
	if clientMin <= 0 || clientMax < clientMin {
		return 0, fmt.Errorf("%w: client range [%d, %d] is malformed", ErrVersionMismatch, clientMin, clientMax)
	}
	low := max(clientMin, VersionMin)
	high := min(clientMax, VersionMax)
	if low > high {
		return 0, fmt.Errorf("%w: client supports [%d, %d], server supports [%d, %d]",
			ErrVersionMismatch, clientMin, clientMax, VersionMin, VersionMax)
	}
	return high, nil
}
