package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/extbridge/browserd/internal/clientserver"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !clientserver.IsRunning() {
				fmt.Println("browserd is not running.")
				return nil
			}

			rec, err := clientserver.ReadRecord()
			if err != nil {
				return err
			}

			fmt.Println("browserd is running.")
			fmt.Printf("pid:     %d\n", rec.PID)
			fmt.Printf("socket:  %s\n", rec.SocketPath)
			fmt.Printf("port:    %d\n", rec.Port)
			fmt.Printf("started: %s\n", rec.StartedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !clientserver.IsRunning() {
				fmt.Println("browserd is not running.")
				return nil
			}
			if err := clientserver.Shutdown(); err != nil {
				return fmt.Errorf("stop daemon: %w", err)
			}
			fmt.Println("browserd stopped.")
			return nil
		},
	}
}
