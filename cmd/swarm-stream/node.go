package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tarun-kavipurapu/swarm-stream/peer"
	"tarun-kavipurapu/swarm-stream/pkg/logger"
	"tarun-kavipurapu/swarm-stream/pkg/statusapi"
)

var (
	gossipAddr      string
	chunkAddr       string
	broadcastAddr   string
	noBroadcast     bool
	bootstrap       []string
	sharedDir       string
	bufferDir       string
	extensions      []string
	useMDNS         bool
	httpAddr        string
	metricsInterval time.Duration
	playerCmd       string
	nodeInteractive bool
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Join the swarm: share a directory and stream from peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := peer.NewNode(peer.Config{
			GossipAddr:    gossipAddr,
			BroadcastAddr: broadcastAddr,
			NoBroadcast:   noBroadcast,
			Bootstrap:     bootstrapPeers(bootstrap),
			ChunkAddr:     chunkAddr,
			SharedDir:     sharedDir,
			BufferDir:     bufferDir,
			Extensions:    extensions,
			MDNS:          useMDNS,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := n.Start(ctx); err != nil {
			return err
		}
		logger.Sugar.Infof("Node %s gossiping on %s, serving chunks on %s", n.ID(), n.GossipAddr(), n.ChunkAddr())

		if metricsInterval > 0 {
			go n.Metrics().LogPeriodic(ctx, metricsInterval)
		}

		var api *statusapi.Server
		if httpAddr != "" {
			api = statusapi.New(n, httpAddr)
			if err := api.Start(); err != nil {
				logger.Sugar.Errorf("Status API disabled: %v", err)
				api = nil
			}
		}

		if nodeInteractive {
			fmt.Println("Swarm Stream Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			sh := &shell{node: n, ctx: ctx}
			prompt.New(
				sh.execute,
				nodeCompleter,
				prompt.OptionPrefix("swarm> "),
				prompt.OptionTitle("Swarm Stream"),
			).Run()
		} else {
			<-ctx.Done()
		}

		if api != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := api.Shutdown(shutdownCtx); err != nil {
				logger.Sugar.Warnf("Status API shutdown: %v", err)
			}
		}
		return n.Stop()
	},
}

type shell struct {
	node *peer.Node
	ctx  context.Context
}

func (sh *shell) execute(in string) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}
	n := sh.node

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping node...")
		if err := n.Stop(); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
		os.Exit(0)
	case "status":
		fmt.Print(n.GetStatus())
	case "peers":
		peers := n.Peers()
		fmt.Printf("%d known peers\n", len(peers))
		for _, p := range peers {
			fmt.Println("  " + p)
		}
	case "files":
		query := strings.Join(blocks[1:], " ")
		files := n.Search(query)
		if len(files) == 0 {
			fmt.Println("No matching files in the swarm.")
			return
		}
		for _, f := range files {
			fmt.Printf("  %s  %-30s %10s  %d peers\n", f.Hash, f.Name, humanize.IBytes(f.Size), len(f.Peers))
		}
	case "discover":
		n.Discover()
		fmt.Println("Discovery sent.")
	case "announce":
		n.Announce()
		fmt.Println("Catalog announced.")
	case "rescan":
		if err := n.Rescan(); err != nil {
			fmt.Printf("Error rescanning: %v\n", err)
			return
		}
		fmt.Printf("Sharing %d files.\n", len(n.Catalog()))
	case "filter":
		if len(blocks) < 2 {
			fmt.Printf("Current filter: %v\n", n.Extensions())
			fmt.Println("Usage: filter <ext> [ext...]")
			return
		}
		n.SetExtensions(blocks[1:])
		fmt.Printf("Filter set to %v\n", n.Extensions())
	case "stream":
		if len(blocks) < 2 {
			fmt.Println("Usage: stream <file_hash>")
			return
		}
		sm, err := n.Stream(blocks[1])
		if err != nil {
			fmt.Printf("Error starting stream: %v\n", err)
			return
		}
		fmt.Printf("Streaming %s (%d chunks) into %s\n", sm.FileName(), sm.TotalChunks(), sm.Path())
		go sh.announceReady(sm)
	case "progress":
		sm := n.CurrentSession()
		if sm == nil {
			fmt.Println("No active stream.")
			return
		}
		completed, total, speed, peers, failed := sm.Tracker().GetProgress()
		fmt.Printf("%s: %d/%d chunks (%d%%), %s/s from %d peers, %d failed, buffer %d\n",
			sm.FileName(), completed, total, sm.Progress(), humanize.IBytes(uint64(speed)), peers, failed, sm.BufferTarget())
		for p, action := range sm.ActivePeers() {
			fmt.Printf("  %s: %s\n", p, action)
		}
	case "ready":
		sm := n.CurrentSession()
		if sm == nil {
			fmt.Println("No active stream.")
			return
		}
		fmt.Printf("ready=%v complete=%v\n", sm.IsReadyToPlay(), sm.IsComplete())
	case "stop":
		if err := n.StopStream(); err != nil {
			fmt.Printf("Error stopping stream: %v\n", err)
			return
		}
		fmt.Println("Stream stopped.")
	case "remote":
		statuses := n.RemoteStatuses()
		if len(statuses) == 0 {
			fmt.Println("No peers are streaming.")
			return
		}
		for _, st := range statuses {
			fmt.Printf("  %s  %s %s (%s)\n", st.Peer, st.FileName, st.Progress, st.State)
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                 - Show node status")
		fmt.Println("  peers                  - List known gossip peers")
		fmt.Println("  files [query]          - Search files advertised by the swarm")
		fmt.Println("  discover               - Ask the swarm for catalogs")
		fmt.Println("  announce               - Re-announce the local catalog")
		fmt.Println("  rescan                 - Re-index the shared directory")
		fmt.Println("  filter <ext...>        - Set the shared/searched file extensions")
		fmt.Println("  stream <hash>          - Start streaming a file")
		fmt.Println("  progress               - Show stream progress")
		fmt.Println("  ready                  - Show whether playback can start")
		fmt.Println("  stop                   - Stop the current stream")
		fmt.Println("  remote                 - Show what other peers are streaming")
		fmt.Println("  exit                   - Stop node and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

// announceReady waits for the playback buffer and optionally hands the
// partially written file to a player.
func (sh *shell) announceReady(sm *peer.StreamManager) {
	path, err := sm.WaitReady(sh.ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Printf("\n%s never became playable: %v\n", sm.FileName(), err)
		}
		return
	}
	fmt.Printf("\n%s is ready to play: %s\n", sm.FileName(), path)
	if playerCmd == "" {
		return
	}
	if err := exec.Command(playerCmd, path).Start(); err != nil {
		fmt.Printf("Could not launch %s: %v\n", playerCmd, err)
	}
}

func nodeCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show node status"},
		{Text: "peers", Description: "List gossip peers"},
		{Text: "files", Description: "Search swarm files"},
		{Text: "discover", Description: "Ask peers for catalogs"},
		{Text: "announce", Description: "Announce local catalog"},
		{Text: "rescan", Description: "Re-index shared directory"},
		{Text: "filter", Description: "Set extension filter"},
		{Text: "stream", Description: "Stream a file"},
		{Text: "progress", Description: "Show stream progress"},
		{Text: "ready", Description: "Check playback readiness"},
		{Text: "stop", Description: "Stop streaming"},
		{Text: "remote", Description: "Show peer streams"},
		{Text: "exit", Description: "Exit the node"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().StringVarP(&gossipAddr, "gossip", "g", ":8888", "UDP address for gossip")
	nodeCmd.Flags().StringVarP(&chunkAddr, "chunk", "c", ":8889", "TCP address for the chunk server")
	nodeCmd.Flags().StringVar(&broadcastAddr, "broadcast", "", "Broadcast address for gossip floods (default 255.255.255.255 on the gossip port)")
	nodeCmd.Flags().BoolVar(&noBroadcast, "no-broadcast", false, "Only gossip with explicitly known peers")
	nodeCmd.Flags().StringSliceVarP(&bootstrap, "bootstrap", "b", nil, "Bootstrap peers host[:port] (falls back to BOOTSTRAP_PEER)")
	nodeCmd.Flags().StringVarP(&sharedDir, "shared", "s", "shared", "Directory of files to share")
	nodeCmd.Flags().StringVar(&bufferDir, "buffer", "buffer", "Directory streamed files are written to")
	nodeCmd.Flags().StringSliceVar(&extensions, "ext", peer.DefaultExtensions, "Shared/searched file extensions")
	nodeCmd.Flags().BoolVar(&useMDNS, "mdns", false, "Advertise and find peers with mDNS")
	nodeCmd.Flags().StringVar(&httpAddr, "http", "", "Serve a read-only JSON status API on this address")
	nodeCmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 30*time.Second, "Interval for metrics logging (0 disables)")
	nodeCmd.Flags().StringVar(&playerCmd, "player", "", "Media player to launch when a stream is ready")
	nodeCmd.Flags().BoolVarP(&nodeInteractive, "interactive", "i", false, "Start in interactive mode")
}
