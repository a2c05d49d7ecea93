package gossip

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"tarun-kavipurapu/swarm-stream/pkg/logger"
	"tarun-kavipurapu/swarm-stream/pkg/protocol"
	"tarun-kavipurapu/swarm-stream/pkg/storage"
	"tarun-kavipurapu/swarm-stream/pkg/transport/udp"
)

const (
	DefaultPort          = 8888
	DefaultSeenCacheSize = 4096
	// DefaultSeenTTL bounds how long a packet signature is remembered.
	// Delivery is at most once per window: the same (sender, type, payload)
	// arriving after the window, or after DefaultSeenCacheSize newer
	// signatures pushed it out, is delivered again.
	DefaultSeenTTL = 5 * time.Second
)

// Handler receives packets that survived dedup and self-echo suppression.
// Calls happen on the receive goroutine, in arrival order.
type Handler interface {
	// OnDiscovery is a bare DISCOVERY: the peer wants our catalog.
	OnDiscovery(peer string)
	// OnHello carries the peer's advertised catalog.
	OnHello(peer string, catalog []protocol.CatalogEntry)
	OnStatus(peer string, status protocol.Status)
}

type Options struct {
	// ListenAddr is the UDP bind address, ":8888" when empty.
	ListenAddr string
	// BroadcastAddr receives a copy of every flood. Defaults to
	// 255.255.255.255 on the listen port.
	BroadcastAddr string
	// NoBroadcast disables the broadcast copy (useful on loopback).
	NoBroadcast bool
	// Bootstrap peers seed the flood before any packet was received.
	// Entries without a port use the listen port.
	Bootstrap []string
	// PeerID defaults to a random UUID.
	PeerID        string
	SeenCacheSize int
	SeenTTL       time.Duration
	Handler       Handler
}

// Manager floods small packets across the swarm and learns peers from the
// packets it receives. It owns no file data.
type Manager struct {
	opts        Options
	peerID      string
	defaultPort int
	broadcast   *net.UDPAddr
	handler     Handler

	peers *peerSet
	seen  *expirable.LRU[string, struct{}]

	mu      sync.RWMutex
	conn    *udp.Conn
	running bool
	wg      sync.WaitGroup
}

func NewManager(opts Options) (*Manager, error) {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":" + strconv.Itoa(DefaultPort)
	}
	_, portStr, err := net.SplitHostPort(opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid gossip listen addr %q: %w", opts.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid gossip port %q: %w", portStr, err)
	}
	if opts.PeerID == "" {
		opts.PeerID = uuid.NewString()
	}
	if len(opts.PeerID) > protocol.MaxSenderIDLength {
		return nil, protocol.ErrSenderIDTooLong
	}
	if opts.SeenCacheSize <= 0 {
		opts.SeenCacheSize = DefaultSeenCacheSize
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = DefaultSeenTTL
	}

	m := &Manager{
		opts:        opts,
		peerID:      opts.PeerID,
		defaultPort: port,
		handler:     opts.Handler,
		peers:       newPeerSet(),
		seen:        expirable.NewLRU[string, struct{}](opts.SeenCacheSize, nil, opts.SeenTTL),
	}

	if !opts.NoBroadcast {
		bcast := opts.BroadcastAddr
		if bcast == "" {
			bcast = net.JoinHostPort("255.255.255.255", strconv.Itoa(port))
		}
		addr, err := net.ResolveUDPAddr("udp4", bcast)
		if err != nil {
			return nil, fmt.Errorf("invalid broadcast addr %q: %w", bcast, err)
		}
		m.broadcast = addr
	}

	for _, p := range opts.Bootstrap {
		if err := m.AddPeer(p); err != nil {
			logger.Sugar.Warnf("[Gossip] invalid bootstrap peer %q: %v", p, err)
			continue
		}
		logger.Sugar.Infof("[Gossip] bootstrap peer added: %s", p)
	}
	return m, nil
}

// SetHandler replaces the packet handler. Call it before Start.
func (m *Manager) SetHandler(h Handler) {
	m.handler = h
}

// Start binds the socket, starts the receive loop and, when bootstrap peers
// are known, floods a DISCOVERY. Calling Start on a running manager is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	conn, err := udp.Listen(m.opts.ListenAddr)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.conn = conn
	m.running = true
	m.wg.Add(1)
	go m.listenLoop(conn)
	m.mu.Unlock()

	logger.Sugar.Infof("[Gossip] started on udp %s id=%s", conn.LocalAddr(), m.peerID)

	if m.peers.len() > 0 {
		m.SendDiscovery()
	}
	return nil
}

// Stop closes the socket, which unblocks the receive loop.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	conn := m.conn
	m.mu.Unlock()

	err := conn.Close()
	m.wg.Wait()
	logger.Sugar.Infof("[Gossip] stopped")
	return err
}

func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) PeerID() string {
	return m.peerID
}

// LocalAddr is the bound socket address, nil when not running.
func (m *Manager) LocalAddr() *net.UDPAddr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil
	}
	return m.conn.LocalAddr()
}

// AddPeer records a peer address ("host" or "host:port").
func (m *Manager) AddPeer(addr string) error {
	udpAddr, err := m.resolve(addr)
	if err != nil {
		return err
	}
	m.peers.add(udpAddr)
	return nil
}

// KnownPeers returns the current peer list as "ip:port" strings.
func (m *Manager) KnownPeers() []string {
	snap := m.peers.snapshot()
	out := make([]string, 0, len(snap))
	for _, p := range snap {
		out = append(out, p.String())
	}
	return out
}

// SendDiscovery floods an empty DISCOVERY packet.
func (m *Manager) SendDiscovery() {
	m.flood(protocol.TypeDiscovery, protocol.DefaultTTL, nil, nil)
}

// AnnouncePresence floods our catalog in a HELLO packet.
func (m *Manager) AnnouncePresence(catalog []protocol.CatalogEntry) {
	m.flood(protocol.TypeHello, protocol.DefaultTTL, []byte(protocol.FormatCatalog(catalog)), nil)
}

// BroadcastStatus floods what we are streaming and how far we got.
func (m *Manager) BroadcastStatus(status protocol.Status) {
	m.flood(protocol.TypeStatus, protocol.DefaultTTL, []byte(status.String()), nil)
}

// SendHelloTo answers a DISCOVERY with a direct, single-hop HELLO.
func (m *Manager) SendHelloTo(target string, catalog []protocol.CatalogEntry) error {
	addr, err := m.resolve(target)
	if err != nil {
		return err
	}
	pkt := protocol.Packet{
		TTL:      1,
		Type:     protocol.TypeHello,
		SenderID: m.peerID,
		Payload:  []byte(protocol.FormatCatalog(catalog)),
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	conn := m.liveConn()
	if conn == nil {
		return errors.New("gossip manager is not running")
	}
	if err := conn.WriteTo(buf, addr); err != nil {
		logger.Sugar.Debugf("[Gossip] hello to %s failed: %v", addr, err)
	}
	return nil
}

func (m *Manager) liveConn() *udp.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return nil
	}
	return m.conn
}

func (m *Manager) listenLoop(conn *udp.Conn) {
	defer m.wg.Done()
	buf := make([]byte, udp.MaxDatagramSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if m.IsRunning() {
				logger.Sugar.Errorf("[Gossip] receive error, stopping loop: %v", err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		m.handlePacket(data, from)
	}
}

func (m *Manager) handlePacket(data []byte, from *net.UDPAddr) {
	if m.peers.add(from) {
		logger.Sugar.Infof("[Gossip] new peer discovered via packet: %s", from)
	}

	pkt, err := protocol.Unmarshal(data)
	if err != nil {
		logger.Sugar.Debugf("[Gossip] dropping packet from %s: %v", from, err)
		return
	}
	if pkt.SenderID == m.peerID {
		return
	}
	if !pkt.Type.Valid() {
		logger.Sugar.Debugf("[Gossip] dropping packet from %s: %s", from, pkt.Type)
		return
	}

	sig := signature(pkt)
	// Get, not Contains: expired entries linger until the sweep.
	if _, ok := m.seen.Get(sig); ok {
		return
	}
	m.seen.Add(sig, struct{}{})

	m.deliver(pkt, from.String())

	if pkt.TTL > 0 {
		m.forward(pkt, from)
	}
}

func (m *Manager) deliver(pkt protocol.Packet, peer string) {
	h := m.handler
	if h == nil {
		return
	}
	switch pkt.Type {
	case protocol.TypeDiscovery:
		h.OnDiscovery(peer)
	case protocol.TypeHello:
		h.OnHello(peer, protocol.ParseCatalog(string(pkt.Payload)))
	case protocol.TypeStatus:
		status, ok := protocol.ParseStatus(string(pkt.Payload))
		if !ok {
			logger.Sugar.Debugf("[Gossip] malformed status from %s: %q", peer, pkt.Payload)
			return
		}
		h.OnStatus(peer, status)
	}
}

// forward re-floods with one hop less, keeping the originator's id so every
// node deduplicates the same packet regardless of the path it took.
func (m *Manager) forward(pkt protocol.Packet, from *net.UDPAddr) {
	pkt.TTL--
	m.send(pkt, from)
}

func (m *Manager) flood(t protocol.PacketType, ttl uint8, payload []byte, exclude *net.UDPAddr) {
	m.send(protocol.Packet{TTL: ttl, Type: t, SenderID: m.peerID, Payload: payload}, exclude)
}

// send unicasts pkt to every known peer except exclude, plus the broadcast
// address. Delivery is best effort.
func (m *Manager) send(pkt protocol.Packet, exclude *net.UDPAddr) {
	conn := m.liveConn()
	if conn == nil {
		return
	}
	buf, err := pkt.Marshal()
	if err != nil {
		logger.Sugar.Warnf("[Gossip] cannot encode %s packet: %v", pkt.Type, err)
		return
	}

	peers := m.peers.snapshot()
	targets := make([]*net.UDPAddr, 0, len(peers)+1)
	for _, p := range peers {
		if sameAddr(p, exclude) {
			continue
		}
		targets = append(targets, p)
	}
	if m.broadcast != nil {
		targets = append(targets, m.broadcast)
	}

	sent := conn.WriteToAll(buf, targets)
	logger.Sugar.Debugf("[Gossip] flooded %s ttl=%d to %d/%d targets", pkt.Type, pkt.TTL, sent, len(targets))
}

func (m *Manager) resolve(addr string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(m.defaultPort))
	}
	return net.ResolveUDPAddr("udp4", addr)
}

// signature identifies a packet independently of its ttl and the path it took.
func signature(pkt protocol.Packet) string {
	return pkt.SenderID + "_" + strconv.Itoa(int(pkt.Type)) + "_" + storage.HashChunk(pkt.Payload)
}
