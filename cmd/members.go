package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmeet/internal/config"
	"github.com/BioHazard786/warpmeet/internal/transport"
	"github.com/BioHazard786/warpmeet/internal/ui"
)

var membersCmd = &cobra.Command{
	Use:   "members <room-id or link>",
	Short: "List who is in a room",
	Long: `Ask the signaling server who is currently in a room.

Examples:
  warpmeet members standup
  warpmeet members standup --server wss://signal.example.com/ws`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := config.ParseRoomInput(args[0])
		if err != nil {
			return err
		}

		cfg, err := config.Load(config.Options{SignalingURL: flagServer})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		stopSpinner := ui.RunSpinner("Fetching room...")
		info, err := transport.FetchRoom(ctx, cfg.HTTPBaseURL(), roomID)
		stopSpinner()
		if err != nil {
			return err
		}

		ui.RenderMembers(os.Stdout, info.RoomID, info.Participants)
		return nil
	},
}

func init() {
	membersCmd.Flags().StringVarP(&flagServer, "server", "s", "", "Signaling server websocket URL")
	rootCmd.AddCommand(membersCmd)
}
