// Package cli implements the meshroom command: a headless room participant
// and operator helpers.
package cli

import (
	"os"

	"github.com/mossy-p/mesh-signaling/internal/ui"
	"github.com/spf13/cobra"
)

// Version can be overridden at build time using:
//
//	go build -ldflags="-X 'github.com/mossy-p/mesh-signaling/internal/cli.Version=v1.0.0'"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "meshroom",
	Short:   "Join mesh WebRTC rooms from the terminal",
	Long:    `meshroom joins a room on a mesh signaling server as a headless participant. It negotiates a direct WebRTC link with every other participant and streams synthetic audio and video over each of them.`,
	Version: Version,
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
