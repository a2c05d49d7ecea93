package udp

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// MaxDatagramSize is the largest UDP payload we read.
const MaxDatagramSize = 64 * 1024

// Conn is an IPv4 datagram socket with broadcast enabled.
type Conn struct {
	conn  *net.UDPConn
	batch *ipv4.PacketConn
}

// Listen binds addr ("host:port", host may be empty) with SO_BROADCAST set.
func Listen(addr string) (*Conn, error) {
	lc := net.ListenConfig{Control: setSocketOptions}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp %s: %w", addr, err)
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}
	return &Conn{conn: udpConn, batch: ipv4.NewPacketConn(udpConn)}, nil
}

// ReadFrom blocks until a datagram arrives or the socket is closed.
func (c *Conn) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	return c.conn.ReadFromUDP(buf)
}

// WriteTo sends one datagram.
func (c *Conn) WriteTo(data []byte, addr *net.UDPAddr) error {
	_, err := c.conn.WriteToUDP(data, addr)
	return err
}

// WriteToAll sends the same datagram to every address, batching the sends
// where the platform supports it. A failed destination is skipped. It
// returns how many datagrams were handed to the kernel.
func (c *Conn) WriteToAll(data []byte, addrs []*net.UDPAddr) int {
	if len(addrs) == 0 {
		return 0
	}
	msgs := make([]ipv4.Message, len(addrs))
	for i, addr := range addrs {
		msgs[i] = ipv4.Message{Buffers: [][]byte{data}, Addr: addr}
	}

	sent := 0
	for len(msgs) > 0 {
		n, err := c.batch.WriteBatch(msgs, 0)
		if n < 0 {
			n = 0
		}
		sent += n
		if err != nil {
			// skip the destination that failed and keep going
			if n >= len(msgs) {
				break
			}
			msgs = msgs[n+1:]
			continue
		}
		if n == 0 {
			break
		}
		msgs = msgs[n:]
	}
	return sent
}

// LocalAddr is the bound address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
