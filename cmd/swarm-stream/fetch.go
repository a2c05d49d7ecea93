package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"tarun-kavipurapu/swarm-stream/peer"
	"tarun-kavipurapu/swarm-stream/pkg/logger"
	"tarun-kavipurapu/swarm-stream/pkg/monitor"
	"tarun-kavipurapu/swarm-stream/pkg/transport/tcp"
)

var (
	fetchHash      string
	fetchSize      int64
	fetchPeers     []string
	fetchName      string
	fetchOut       string
	fetchChunkPort string
	fetchWait      time.Duration
	fetchGossip    string
	fetchBootstrap []string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download one file from the swarm and exit",
	Long: `Download a file by content hash. With --peer the chunk servers are dialed
directly and --size is required; otherwise the command joins the swarm over
gossip, waits for a catalog that lists the hash and streams from its holders.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if fetchHash == "" {
			return errors.New("--hash is required")
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if len(fetchPeers) > 0 {
			return fetchDirect(ctx)
		}
		return fetchViaGossip(ctx)
	},
}

func fetchDirect(ctx context.Context) error {
	if fetchSize <= 0 {
		return errors.New("--size is required when fetching from explicit peers")
	}
	name := fetchName
	if name == "" {
		name = fetchHash
	}
	sm, err := peer.NewStreamManager(peer.StreamConfig{
		Hash:      fetchHash,
		FileName:  name,
		Size:      fetchSize,
		Peers:     fetchPeers,
		OutputDir: fetchOut,
		Fetcher:   tcp.NewClient(fetchChunkPort),
		Metrics:   monitor.NewMetrics(),
	})
	if err != nil {
		return err
	}
	sm.Start()
	runErr := followStream(ctx, sm)
	return multierr.Append(runErr, sm.Close())
}

func fetchViaGossip(ctx context.Context) (err error) {
	n, err := peer.NewNode(peer.Config{
		GossipAddr:    fetchGossip,
		Bootstrap:     bootstrapPeers(fetchBootstrap),
		ChunkAddr:     ":0",
		PeerChunkPort: fetchChunkPort,
		SharedDir:     fetchOut,
		BufferDir:     fetchOut,
	})
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, n.Stop()) }()

	logger.Sugar.Infof("Waiting up to %s for a peer advertising %s", fetchWait, fetchHash)
	if err := waitForHash(ctx, n, fetchHash, fetchWait); err != nil {
		return err
	}
	sm, err := n.Stream(fetchHash)
	if err != nil {
		return err
	}
	return followStream(ctx, sm)
}

// waitForHash re-sends discovery until some HELLO lists hash.
func waitForHash(ctx context.Context, n *peer.Node, hash string, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if _, ok := n.Registry().Lookup(hash); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s (waited %s)", peer.ErrUnknownFile, hash, limit)
		case <-ticker.C:
			n.Discover()
		}
	}
}

// followStream renders progress until the download ends or ctx is cancelled.
func followStream(ctx context.Context, sm *peer.StreamManager) error {
	renderer := peer.NewProgressRenderer(sm.Tracker(), os.Stderr, true)
	go renderer.Start()

	ready := make(chan string, 1)
	go func(out chan<- string) {
		if path, err := sm.WaitReady(ctx); err == nil {
			out <- path
		}
	}(ready)

	for {
		select {
		case path := <-ready:
			logger.Sugar.Infof("Playable now: %s", path)
			ready = nil
		case <-sm.Done():
			renderer.StopAndWait()
			if !sm.IsComplete() {
				return fmt.Errorf("download of %s stopped at %d%%", sm.FileName(), sm.Progress())
			}
			fmt.Println(sm.Path())
			return nil
		case <-ctx.Done():
			renderer.StopAndWait()
			return ctx.Err()
		}
	}
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVar(&fetchHash, "hash", "", "Content hash of the file to download")
	fetchCmd.Flags().Int64Var(&fetchSize, "size", 0, "File size in bytes (direct mode)")
	fetchCmd.Flags().StringSliceVarP(&fetchPeers, "peer", "p", nil, "Chunk servers host[:port] to fetch from directly")
	fetchCmd.Flags().StringVar(&fetchName, "name", "", "Output file name (defaults to the advertised name or the hash)")
	fetchCmd.Flags().StringVarP(&fetchOut, "out", "o", "buffer", "Output directory")
	fetchCmd.Flags().StringVar(&fetchChunkPort, "chunk-port", tcp.DefaultPort, "Chunk server port of remote peers")
	fetchCmd.Flags().DurationVar(&fetchWait, "wait", 15*time.Second, "How long to wait for the hash to appear in the swarm")
	fetchCmd.Flags().StringVarP(&fetchGossip, "gossip", "g", ":8888", "UDP address for gossip")
	fetchCmd.Flags().StringSliceVarP(&fetchBootstrap, "bootstrap", "b", nil, "Bootstrap peers host[:port] (falls back to BOOTSTRAP_PEER)")
}
