// Package netutil opens the TCP listener the server accepts connections on.
package netutil

import (
	"context"
	"net"
)

// Listen opens a TCP listener on addr. With reusePort set, the socket gets
// SO_REUSEADDR and SO_REUSEPORT where the platform supports them, so several
// processes can share the port.
func Listen(ctx context.Context, addr string, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = reuseControl
	}
	return lc.Listen(ctx, "tcp", addr)
}
