package peer

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	chunkserver "tarun-kavipurapu/swarm-stream/chunk-server"
	"tarun-kavipurapu/swarm-stream/pkg/discovery"
	"tarun-kavipurapu/swarm-stream/pkg/gossip"
	"tarun-kavipurapu/swarm-stream/pkg/logger"
	"tarun-kavipurapu/swarm-stream/pkg/monitor"
	"tarun-kavipurapu/swarm-stream/pkg/protocol"
	"tarun-kavipurapu/swarm-stream/pkg/storage"
	"tarun-kavipurapu/swarm-stream/pkg/transport"
	"tarun-kavipurapu/swarm-stream/pkg/transport/tcp"
)

const (
	statusInterval  = time.Second
	remoteStatusTTL = 10 * time.Second
)

// DefaultExtensions is the catalog allow-list used when none is configured.
var DefaultExtensions = []string{"mp4", "avi", "mkv"}

type Config struct {
	// GossipAddr is the UDP bind address (":8888").
	GossipAddr    string
	BroadcastAddr string
	NoBroadcast   bool
	Bootstrap     []string
	PeerID        string

	// ChunkAddr is the TCP chunk server address (":8889").
	ChunkAddr string
	// PeerChunkPort is where remote chunk servers listen. Defaults to
	// the port of ChunkAddr.
	PeerChunkPort string
	SharedDir     string
	BufferDir     string

	Extensions []string
	// MDNS advertises the gossip port on the LAN and bootstraps from peers found there.
	MDNS bool

	Fetcher transport.ChunkFetcher
	Metrics *monitor.Metrics
}

// RemoteStatus is the last STATUS heard from a peer.
type RemoteStatus struct {
	Peer     string    `json:"peer"`
	FileName string    `json:"fileName"`
	Progress string    `json:"progress"`
	State    string    `json:"state"`
	Updated  time.Time `json:"updated"`
}

// Node is one swarm member: it shares a directory, gossips its catalog and
// streams at most one file at a time.
type Node struct {
	cfg       Config
	chunkPort string

	gossip   *gossip.Manager
	server   *chunkserver.FileChunkServer
	registry *Registry
	metrics  *monitor.Metrics
	fetcher  transport.ChunkFetcher

	advertiser *discovery.Advertiser

	extMu      sync.RWMutex
	extensions []string

	sessionMu sync.Mutex
	session   *StreamManager

	remoteMu sync.Mutex
	remote   map[string]RemoteStatus

	// lifeMu guards running and cancel across Start and Stop.
	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewNode(cfg Config) (*Node, error) {
	if cfg.ChunkAddr == "" {
		cfg.ChunkAddr = ":" + tcp.DefaultPort
	}
	if cfg.SharedDir == "" {
		cfg.SharedDir = "shared"
	}
	if cfg.BufferDir == "" {
		cfg.BufferDir = "buffer"
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewMetrics()
	}

	_, chunkPort, err := net.SplitHostPort(cfg.ChunkAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid chunk addr %q: %w", cfg.ChunkAddr, err)
	}
	if cfg.PeerChunkPort != "" {
		chunkPort = cfg.PeerChunkPort
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = tcp.NewClient(chunkPort)
	}

	n := &Node{
		cfg:        cfg,
		chunkPort:  chunkPort,
		registry:   NewRegistry(),
		metrics:    cfg.Metrics,
		fetcher:    cfg.Fetcher,
		extensions: normalizeExtensions(cfg.Extensions),
		remote:     make(map[string]RemoteStatus),
	}

	n.gossip, err = gossip.NewManager(gossip.Options{
		ListenAddr:    cfg.GossipAddr,
		BroadcastAddr: cfg.BroadcastAddr,
		NoBroadcast:   cfg.NoBroadcast,
		Bootstrap:     cfg.Bootstrap,
		PeerID:        cfg.PeerID,
		Handler:       n,
	})
	if err != nil {
		return nil, err
	}

	n.server = chunkserver.New(chunkserver.Options{
		Addr:    cfg.ChunkAddr,
		RootDir: cfg.SharedDir,
		Metrics: cfg.Metrics,
	})
	return n, nil
}

// Start brings up the chunk server and gossip, announces the local catalog
// and asks the swarm for theirs. Calling Start on a running node is a no-op.
func (n *Node) Start(ctx context.Context) error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if n.running {
		return nil
	}

	if err := n.server.Start(); err != nil {
		return err
	}
	if err := n.gossip.Start(); err != nil {
		return multierr.Append(err, n.server.Stop())
	}
	n.running = true

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.Announce()
	n.gossip.SendDiscovery()

	if n.cfg.MDNS {
		n.startMDNS(ctx)
	}

	n.wg.Add(1)
	go n.statusLoop(ctx)

	logger.Sugar.Infof("[Node] started: id=%s gossip=%s chunks=%s shared=%s buffer=%s",
		n.gossip.PeerID(), n.gossip.LocalAddr(), n.server.Addr(), n.cfg.SharedDir, n.cfg.BufferDir)
	return nil
}

func (n *Node) startMDNS(ctx context.Context) {
	local := n.gossip.LocalAddr()
	if local == nil {
		return
	}
	_, servePort, _ := net.SplitHostPort(n.server.Addr())
	n.advertiser = discovery.NewAdvertiser()
	meta := map[string]string{
		discovery.MetaPeerID:    n.gossip.PeerID(),
		discovery.MetaChunkPort: servePort,
	}
	if err := n.advertiser.Start("", local.Port, meta); err != nil {
		logger.Sugar.Warnf("[Node] mDNS advertisement failed: %v", err)
		n.advertiser = nil
	}

	resolver, err := discovery.NewResolver()
	if err != nil {
		logger.Sugar.Warnf("[Node] mDNS browse unavailable: %v", err)
		return
	}
	ch, err := resolver.Browse(ctx)
	if err != nil {
		logger.Sugar.Warnf("[Node] mDNS browse failed: %v", err)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for info := range ch {
			if info.Meta[discovery.MetaPeerID] == n.gossip.PeerID() {
				continue
			}
			for _, addr := range info.Addrs() {
				if err := n.gossip.AddPeer(addr); err != nil {
					logger.Sugar.Debugf("[Node] ignoring mDNS peer %s: %v", addr, err)
				}
			}
			n.gossip.SendDiscovery()
		}
	}()
}

// statusLoop broadcasts our stream state every second and expires remote
// states nobody refreshed for ten seconds.
func (n *Node) statusLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if sm := n.CurrentSession(); sm != nil {
			n.gossip.BroadcastStatus(sessionStatus(sm))
		}
		n.pruneRemote(time.Now())
	}
}

func sessionStatus(sm *StreamManager) protocol.Status {
	p := sm.Progress()
	state := "Streaming"
	if p >= 100 {
		state = "Completed"
	}
	return protocol.Status{FileName: sm.FileName(), Progress: strconv.Itoa(p) + "%", State: state}
}

func (n *Node) pruneRemote(now time.Time) {
	n.remoteMu.Lock()
	defer n.remoteMu.Unlock()
	for peer, st := range n.remote {
		if now.Sub(st.Updated) > remoteStatusTTL {
			delete(n.remote, peer)
		}
	}
}

// OnDiscovery answers with our catalog, directly to the asking peer.
func (n *Node) OnDiscovery(peer string) {
	if err := n.gossip.SendHelloTo(peer, n.Catalog()); err != nil {
		logger.Sugar.Debugf("[Node] hello to %s failed: %v", peer, err)
	}
}

func (n *Node) OnHello(peer string, catalog []protocol.CatalogEntry) {
	if len(catalog) == 0 {
		return
	}
	addr := n.chunkAddrFor(peer)
	n.registry.Add(addr, catalog)
	logger.Sugar.Infof("[Node] catalog from %s: %d files", addr, len(catalog))
}

func (n *Node) OnStatus(peer string, status protocol.Status) {
	n.remoteMu.Lock()
	defer n.remoteMu.Unlock()
	n.remote[peer] = RemoteStatus{
		Peer:     peer,
		FileName: status.FileName,
		Progress: status.Progress,
		State:    status.State,
		Updated:  time.Now(),
	}
}

// chunkAddrFor maps a gossip address to the chunk server on the same host.
func (n *Node) chunkAddrFor(gossipAddr string) string {
	host, _, err := net.SplitHostPort(gossipAddr)
	if err != nil {
		host = gossipAddr
	}
	return net.JoinHostPort(host, n.chunkPort)
}

// Catalog is the local shared files that pass the extension filter.
func (n *Node) Catalog() []protocol.CatalogEntry {
	return storage.FilterCatalog(n.server.Index().Entries(), n.Extensions())
}

// Announce floods the local catalog.
func (n *Node) Announce() {
	catalog := n.Catalog()
	n.gossip.AnnouncePresence(catalog)
	logger.Sugar.Infof("[Node] announced %d files", len(catalog))
}

// Discover asks the swarm for catalogs.
func (n *Node) Discover() {
	n.gossip.SendDiscovery()
}

// Rescan re-indexes the shared directory and re-announces the catalog.
func (n *Node) Rescan() error {
	if err := n.server.Reindex(); err != nil {
		return err
	}
	n.Announce()
	return nil
}

func (n *Node) Extensions() []string {
	n.extMu.RLock()
	defer n.extMu.RUnlock()
	return append([]string(nil), n.extensions...)
}

// SetExtensions replaces the catalog filter and re-announces.
func (n *Node) SetExtensions(exts []string) {
	exts = normalizeExtensions(exts)
	if len(exts) == 0 {
		return
	}
	n.extMu.Lock()
	n.extensions = exts
	n.extMu.Unlock()
	logger.Sugar.Infof("[Node] file filter updated: %v", exts)
	if n.gossip.IsRunning() {
		n.Announce()
	}
}

// Search looks up remote files by name.
func (n *Node) Search(query string) []RemoteFile {
	return n.registry.Search(query, n.Extensions())
}

// Stream closes any running session and starts downloading hash from every
// peer that advertised it.
func (n *Node) Stream(hash string) (*StreamManager, error) {
	file, ok := n.registry.Lookup(hash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, hash)
	}
	if len(file.Peers) == 0 {
		return nil, ErrNoPeers
	}

	n.sessionMu.Lock()
	defer n.sessionMu.Unlock()

	if n.session != nil {
		if err := n.session.Close(); err != nil {
			logger.Sugar.Warnf("[Node] closing previous session: %v", err)
		}
		n.session = nil
	}

	sm, err := NewStreamManager(StreamConfig{
		Hash:      file.Hash,
		FileName:  file.Name,
		Size:      int64(file.Size),
		Peers:     file.Peers,
		OutputDir: n.cfg.BufferDir,
		Fetcher:   n.fetcher,
		Metrics:   n.metrics,
	})
	if err != nil {
		return nil, err
	}
	sm.Start()
	n.session = sm
	logger.Sugar.Infof("[Node] streaming %s from %d peers", file.Name, len(file.Peers))
	return sm, nil
}

// StopStream closes the running session, if any.
func (n *Node) StopStream() error {
	n.sessionMu.Lock()
	defer n.sessionMu.Unlock()
	if n.session == nil {
		return nil
	}
	err := n.session.Close()
	n.session = nil
	return err
}

func (n *Node) CurrentSession() *StreamManager {
	n.sessionMu.Lock()
	defer n.sessionMu.Unlock()
	return n.session
}

func (n *Node) RemoteStatuses() []RemoteStatus {
	n.remoteMu.Lock()
	out := make([]RemoteStatus, 0, len(n.remote))
	for _, st := range n.remote {
		out = append(out, st)
	}
	n.remoteMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Peers is the gossip peer list.
func (n *Node) Peers() []string {
	return n.gossip.KnownPeers()
}

func (n *Node) Registry() *Registry {
	return n.registry
}

func (n *Node) Metrics() *monitor.Metrics {
	return n.metrics
}

func (n *Node) ID() string {
	return n.gossip.PeerID()
}

// GossipAddr is the bound gossip address, nil before Start.
func (n *Node) GossipAddr() *net.UDPAddr {
	return n.gossip.LocalAddr()
}

func (n *Node) ChunkAddr() string {
	return n.server.Addr()
}

func (n *Node) GetStatus() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Node ID: %s\n", n.ID())
	fmt.Fprintf(&b, "Gossip: %v (running=%v)\n", n.GossipAddr(), n.gossip.IsRunning())
	fmt.Fprintf(&b, "Known Peers: %d\n", len(n.Peers()))
	fmt.Fprintf(&b, "Swarm Files: %d\n", n.registry.Len())
	b.WriteString(n.server.GetStatus())
	if sm := n.CurrentSession(); sm != nil {
		fmt.Fprintf(&b, "Streaming: %s %d%% (buffer %d chunks, ready=%v)\n",
			sm.FileName(), sm.Progress(), sm.BufferTarget(), sm.IsReadyToPlay())
	}
	return b.String()
}

// Stop tears down the session, gossip and chunk server, collecting every error.
func (n *Node) Stop() error {
	n.lifeMu.Lock()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	n.running = false
	n.lifeMu.Unlock()

	if n.advertiser != nil {
		n.advertiser.Stop()
	}

	var err error
	err = multierr.Append(err, n.StopStream())
	err = multierr.Append(err, n.gossip.Stop())
	err = multierr.Append(err, n.server.Stop())
	n.wg.Wait()
	logger.Sugar.Infof("[Node] stopped")
	return err
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".")
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}
