package transport

// Server is an Endpoint in the server role: it binds to a local address and
// accepts connect requests from any number of peers (§6).
type Server struct {
	*Endpoint
}

// NewServer constructs a Server-role Endpoint. Register user message types
// on Registry() before calling Bind.
func NewServer(opts ...Option) *Server {
	return &Server{Endpoint: newEndpoint(true, opts...)}
}
