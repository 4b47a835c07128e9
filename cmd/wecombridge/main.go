// Package main is the entry point for the wecombridge daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version can be overridden at build time via:
// go build -ldflags "-X main.version=1.2.3"
var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "wecombridge",
	Short: "WeCom webhook bridge for conversational agents",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
