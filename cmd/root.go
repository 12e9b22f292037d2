package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmeet/internal/logging"
	"github.com/BioHazard786/warpmeet/internal/ui"
	"github.com/BioHazard786/warpmeet/internal/version"
)

var flagLogLevel string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warpmeet",
	Short: "Peer-to-peer group calls over WebRTC with a tiny signaling relay",
	Long: `WarpMeet connects everyone in a room directly with WebRTC. A small signaling
server relays offers, answers and ICE candidates between room members; media
never passes through it.

Run "warpmeet serve" to start a signaling server and "warpmeet join <room>" to
join a call.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagLogLevel != "" {
			logging.SetLevel(flagLogLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to LOG_LEVEL")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
