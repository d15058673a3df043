package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is an Endpoint in the client role: it connects to one server and
// tracks exactly one Peer (§6).
type Client struct {
	*Endpoint
}

// NewClient constructs a Client-role Endpoint. Register user message types
// on Registry() before calling Connect.
func NewClient(opts ...Option) *Client {
	return &Client{Endpoint: newEndpoint(false, opts...)}
}

// ConnectAndWait connects to addr and polls Update at pollInterval until the
// handshake completes, is rejected, or ctx is done, retrying the whole
// connect attempt with exponential backoff on rejection. It is a
// convenience wrapper: a caller driving its own Update loop can just call
// Connect and watch OnConnect/OnDisconnect instead.
func (c *Client) ConnectAndWait(ctx context.Context, addr string, pollInterval time.Duration) error {
	attempt := func() error {
		if err := c.Connect(addr); err != nil {
			return backoff.Permanent(err)
		}
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-ticker.C:
				c.Update()
				switch c.State() {
				case StateConnected:
					return nil
				case StateDisconnected:
					return fmt.Errorf("transport: connect request rejected")
				}
			}
		}
	}
	return backoff.Retry(attempt, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}
