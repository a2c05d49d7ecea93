package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"tarun-kavipurapu/swarm-stream/pkg/protocol"
)

var (
	ErrUnknownHash = errors.New("peer does not hold the requested hash")
	ErrNoSuchChunk = errors.New("chunk index is past the end of the file")
)

// DefaultPort is where chunk servers listen unless configured otherwise.
const DefaultPort = "8889"

// Client implements transport.ChunkFetcher with one short-lived connection per request.
type Client struct {
	// DefaultPort is appended to addresses given without one.
	DefaultPort string
}

func NewClient(defaultPort string) *Client {
	if defaultPort == "" {
		defaultPort = DefaultPort
	}
	return &Client{DefaultPort: defaultPort}
}

// FetchChunk dials addr, requests chunk index of hash and reads the reply.
// The timeout bounds the dial and every read.
func (c *Client) FetchChunk(ctx context.Context, addr, hash string, index int, timeout time.Duration) ([]byte, error) {
	target := c.resolve(addr)

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	if err := WriteChunkRequest(conn, hash, int32(index)); err != nil {
		return nil, fmt.Errorf("failed to send chunk request: %w", err)
	}

	status, data, err := ReadChunkReply(conn)
	if err != nil {
		return nil, err
	}
	switch {
	case status == protocol.ChunkUnknownHash:
		return nil, ErrUnknownHash
	case status == protocol.ChunkPastEnd:
		return nil, ErrNoSuchChunk
	case status < 0:
		return nil, fmt.Errorf("unexpected chunk status %d", status)
	}
	return data, nil
}

func (c *Client) resolve(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, c.DefaultPort)
}
