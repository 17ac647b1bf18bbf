package server

import (
	"context"
	"net"
)

// Listen binds address, applying socket options from the server's settings.
func (s *Server) Listen(network, address string) (net.Listener, error) {
	lc := net.ListenConfig{}
	if s.reusePort {
		lc.Control = reusePortControl
	}
	return lc.Listen(context.Background(), network, address)
}
