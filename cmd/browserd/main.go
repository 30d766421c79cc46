package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/extbridge/browserd/internal/log"
)

var version = "dev"

var verbose bool

func main() {
	progName := filepath.Base(os.Args[0])

	rootCmd := &cobra.Command{
		Use:   progName,
		Short: "browserd bridges CLI clients to browser windows over a companion extension",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.LevelInfo
			if verbose {
				level = log.LevelVerbose
			}
			log.Setup(level)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newQueryCmd())

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(progName + " v{{.Version}}\n")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
