package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmeet/internal/config"
	"github.com/BioHazard786/warpmeet/internal/media"
	"github.com/BioHazard786/warpmeet/internal/peer"
	"github.com/BioHazard786/warpmeet/internal/room"
	"github.com/BioHazard786/warpmeet/internal/transport"
	"github.com/BioHazard786/warpmeet/internal/ui"
)

const joinTimeout = 30 * time.Second

var (
	flagServer    string
	flagSTUN      string
	flagTURN      string
	flagTURNUser  string
	flagTURNPass  string
	flagRelay     bool
	flagNoTrickle bool
	flagAudio     string
	flagVideo     string
)

var joinCmd = &cobra.Command{
	Use:     "join <room-id or link>",
	Aliases: []string{"j"},
	Short:   "Join a call room",
	Long: `Join a call room and connect to everyone in it.

Audio comes from an Ogg/Opus file played in a loop, or silence when none is
given. Video comes from an IVF file (VP8, VP9 or AV1); without one the call is
audio only.

Examples:
  warpmeet join standup
  warpmeet join https://signal.example.com/r/standup
  warpmeet join standup --audio voice.ogg --video camera.ivf
  warpmeet join standup --server wss://signal.example.com/ws --relay --turn turn.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := config.ParseRoomInput(args[0])
		if err != nil {
			return err
		}

		cfg, err := config.Load(config.Options{
			SignalingURL: flagServer,
			STUNServer:   flagSTUN,
			TURNServer:   flagTURN,
			TURNUser:     flagTURNUser,
			TURNPass:     flagTURNPass,
			ForceRelay:   flagRelay,
			NoTrickle:    flagNoTrickle,
			AudioFile:    flagAudio,
			VideoFile:    flagVideo,
		})
		if err != nil {
			return err
		}
		return joinRoom(cfg, roomID)
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagServer, "server", "s", "", "Signaling server websocket URL")
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "", "STUN server URL")
	joinCmd.Flags().StringVar(&flagTURN, "turn", "", "TURN server host")
	joinCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVar(&flagRelay, "relay", false, "Force all media through the TURN server")
	joinCmd.Flags().BoolVar(&flagNoTrickle, "no-trickle", false, "Send complete session descriptions instead of trickling ICE candidates")
	joinCmd.Flags().StringVar(&flagAudio, "audio", "", "Ogg/Opus file to send as the microphone")
	joinCmd.Flags().StringVar(&flagVideo, "video", "", "IVF file to send as the camera")
	rootCmd.AddCommand(joinCmd)
}

func joinRoom(cfg *config.Config, roomID string) error {
	factory, err := peer.NewPionFactory(cfg)
	if err != nil {
		return err
	}

	if cfg.VideoFile == "" {
		ui.PrintWarning("No --video file given, joining without a camera")
	}
	ui.PrintInfof("Signaling through %s", cfg.SignalingURL)

	view := ui.NewRoomView(roomID, cfg.VideoFile != "")
	ctrl := room.New(
		transport.NewClient(cfg.SignalingURL),
		&media.FileSource{AudioFile: cfg.AudioFile, VideoFile: cfg.VideoFile},
		factory,
		view,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	stopSpinner := ui.RunConnectionSpinner("Joining room...")
	err = ctrl.JoinRoom(ctx, roomID)
	stopSpinner()
	cancel()
	stop()
	if err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}

	fmt.Println()
	ui.RenderRoomInfo(roomID, cfg.GetRoomLink(roomID))
	fmt.Println()

	uiErr := view.Run(ctrl)
	ctrl.LeaveRoom()

	fmt.Println()
	tiles := ctrl.Tiles()
	fmt.Println(ui.CallSummaryView(tiles))
	for _, t := range tiles {
		if t.Err != nil {
			ui.PrintErrorf("Call with %s failed: %v", ui.ShortID(t.ParticipantID), t.Err)
		}
	}

	if uiErr != nil {
		return fmt.Errorf("room view: %w", uiErr)
	}
	if err := ctrl.Err(); err != nil {
		return err
	}
	ui.PrintSuccessf("Left room %s", roomID)
	return nil
}
