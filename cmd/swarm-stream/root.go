package main

import (
	"errors"
	"io/fs"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tarun-kavipurapu/swarm-stream/pkg/logger"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "swarm-stream",
	Short: "P2P media swarm",
	Long: `A serverless peer-to-peer media swarm: nodes gossip their catalogs over UDP,
serve fixed-size chunks over TCP and stream files from many peers at once.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadEnv(envFile)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

// loadEnv reads KEY=value pairs into the environment. A missing file is fine.
func loadEnv(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Sugar.Warnf("Could not load %s: %v", path, err)
	}
}

var peerListSep = regexp.MustCompile(`[,;\s]+`)

// bootstrapPeers returns the flag values, or BOOTSTRAP_PEER when none were given.
func bootstrapPeers(flagged []string) []string {
	if len(flagged) > 0 {
		return flagged
	}
	var out []string
	for _, p := range peerListSep.Split(os.Getenv("BOOTSTRAP_PEER"), -1) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to a .env file with configuration overrides")
}
