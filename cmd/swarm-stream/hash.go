package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tarun-kavipurapu/swarm-stream/pkg/storage"
)

var hashCmd = &cobra.Command{
	Use:   "hash <file>...",
	Short: "Print hash:name:size for files, as a catalog would list them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			hash, err := storage.HashFile(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s:%s:%d\n", hash, info.Name(), info.Size())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashCmd)
}
