package chunkserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"

	"tarun-kavipurapu/swarm-stream/pkg/logger"
	"tarun-kavipurapu/swarm-stream/pkg/monitor"
	"tarun-kavipurapu/swarm-stream/pkg/protocol"
	"tarun-kavipurapu/swarm-stream/pkg/storage"
	"tarun-kavipurapu/swarm-stream/pkg/transport/tcp"
	"tarun-kavipurapu/swarm-stream/pkg/workerpool"
)

const (
	DefaultWorkers = 32
	// connDeadline bounds a single request/reply exchange.
	connDeadline = 30 * time.Second
	stopGrace    = 2 * time.Second
)

type Options struct {
	// Addr is the TCP listen address, ":8889" when empty.
	Addr string
	// RootDir holds the files to serve. It is created if missing.
	RootDir string
	// Workers caps concurrently handled connections.
	Workers int
	Metrics *monitor.Metrics
}

// FileChunkServer serves fixed-size chunks of local files addressed by
// content hash, one request per connection.
type FileChunkServer struct {
	opts Options

	mu       sync.RWMutex
	index    *storage.Index
	listener net.Listener
	pool     *workerpool.Pool
	quitCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
}

func New(opts Options) *FileChunkServer {
	if opts.Addr == "" {
		opts.Addr = ":" + tcp.DefaultPort
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &FileChunkServer{opts: opts}
}

// Start indexes the root directory and begins accepting connections.
func (s *FileChunkServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	logger.Sugar.Infof("[ChunkServer] [%s] starting, root=%s", s.opts.Addr, s.opts.RootDir)

	if err := os.MkdirAll(s.opts.RootDir, 0755); err != nil {
		return fmt.Errorf("failed to create root dir %s: %w", s.opts.RootDir, err)
	}
	idx, err := storage.BuildIndex(s.opts.RootDir)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.index = idx
	s.listener = ln
	// unbuffered queue: a connection is only handed over once a worker is free
	s.pool = workerpool.New(s.opts.Workers, 0)
	s.quitCh = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(ln, s.pool, s.quitCh)

	logger.Sugar.Infof("[ChunkServer] listening on %s, serving %d files", ln.Addr(), idx.Len())
	return nil
}

func (s *FileChunkServer) acceptLoop(ln net.Listener, pool *workerpool.Pool, quitCh chan struct{}) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-quitCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Warnf("[ChunkServer] accept error: %v", err)
			continue
		}

		err = pool.Submit(context.Background(), func(ctx context.Context) {
			s.handleConn(conn)
		})
		if err != nil {
			conn.Close()
			return
		}
	}
}

// handleConn answers exactly one chunk request and closes the connection.
func (s *FileChunkServer) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	hash, index, err := tcp.ReadChunkRequest(conn)
	if err != nil {
		logger.Sugar.Debugf("[ChunkServer] bad request from %s: %v", conn.RemoteAddr(), err)
		return
	}

	status, data := s.readChunk(hash, index)
	if status <= 0 {
		if err := tcp.WriteInt32(conn, status); err != nil {
			logger.Sugar.Debugf("[ChunkServer] reply to %s failed: %v", conn.RemoteAddr(), err)
		}
		return
	}
	if err := tcp.WriteChunkData(conn, data); err != nil {
		logger.Sugar.Debugf("[ChunkServer] send chunk %d to %s failed: %v", index, conn.RemoteAddr(), err)
		return
	}
	s.opts.Metrics.RecordServed(len(data))
	logger.Sugar.Debugf("[ChunkServer] served chunk: hash=%s index=%d bytes=%d to=%s", hash, index, len(data), conn.RemoteAddr())
}

// readChunk returns the reply code for (hash, index) and the chunk bytes
// when the code is positive.
func (s *FileChunkServer) readChunk(hash string, index int32) (int32, []byte) {
	entry, ok := s.Index().Lookup(hash)
	if !ok {
		return protocol.ChunkUnknownHash, nil
	}
	f, err := os.Open(entry.Path)
	if err != nil {
		logger.Sugar.Warnf("[ChunkServer] indexed file unavailable: %s: %v", entry.Path, err)
		return protocol.ChunkUnknownHash, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return protocol.ChunkUnknownHash, nil
	}
	if index < 0 {
		return protocol.ChunkPastEnd, nil
	}
	offset := protocol.ChunkOffset(int(index))
	if offset >= info.Size() {
		return protocol.ChunkPastEnd, nil
	}

	buf := make([]byte, protocol.ChunkLength(int(index), info.Size()))
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		logger.Sugar.Warnf("[ChunkServer] read %s at %d failed: %v", entry.Path, offset, err)
	}
	if n == 0 {
		return protocol.ChunkPastEnd, nil
	}
	return int32(n), buf[:n]
}

// Reindex rescans the root directory and swaps in the new index.
func (s *FileChunkServer) Reindex() error {
	idx, err := storage.BuildIndex(s.opts.RootDir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()
	return nil
}

// Index is the current hash -> file mapping, nil before Start.
func (s *FileChunkServer) Index() *storage.Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index
}

// Addr is the bound listen address, or the configured one before Start.
func (s *FileChunkServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

func (s *FileChunkServer) RootDir() string {
	return s.opts.RootDir
}

func (s *FileChunkServer) GetStatus() string {
	idx := s.Index()

	status := fmt.Sprintf("Chunk Server Running on: %s\n", s.Addr())
	status += fmt.Sprintf("Shared Files: %d\n", idx.Len())
	for _, e := range idx.Entries() {
		status += fmt.Sprintf(" - File: %s (Hash: %s) Size: %d bytes\n", e.Name, e.Hash, e.Size)
	}
	return status
}

// Stop closes the listener and waits briefly for in-progress exchanges.
func (s *FileChunkServer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.quitCh)
	ln, pool := s.listener, s.pool
	s.mu.Unlock()

	err := ln.Close()
	if !pool.Stop(stopGrace) {
		err = multierr.Append(err, errors.New("chunk server workers did not finish in time"))
	}
	s.wg.Wait()
	logger.Sugar.Info("[ChunkServer] stopped")
	return err
}
