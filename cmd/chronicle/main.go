package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "chronicle",
		Short: "Chronicle - event scheduling and delivery engine",
		Long:  "Chronicle materialises and delivers annual event messages (birthdays, anniversaries) with exactly-once delivery semantics.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to JSON config file (optional, env vars override)")

	rootCmd.AddCommand(
		serveCmd(),
		toolsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chronicle version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("chronicle dev")
			return nil
		},
	}
}
