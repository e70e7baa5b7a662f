package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mossy-p/mesh-signaling/config"
	"github.com/mossy-p/mesh-signaling/internal/media"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/peerlink"
	"github.com/mossy-p/mesh-signaling/internal/session"
	"github.com/mossy-p/mesh-signaling/internal/ui"
	"github.com/spf13/cobra"
)

var (
	flagJoinRole              string
	flagJoinURL               string
	flagJoinCodec             string
	flagJoinSTUN              string
	flagJoinTURN              string
	flagJoinTURNUser          string
	flagJoinTURNPass          string
	flagJoinICEServers        string
	flagJoinNoAudio           bool
	flagJoinNoVideo           bool
	flagJoinReconnectAttempts int
	flagJoinReconnectDelay    time.Duration
)

var joinCmd = &cobra.Command{
	Use:     "join <room-id>",
	Aliases: []string{"j"},
	Short:   "Join a room as a headless participant",
	Long: `Join a room and negotiate a direct link with every other participant.

While joined, type a command and press enter:
  m  toggle microphone mute
  v  toggle camera
  p  show participants and link states
  q  leave the room

Examples:
  meshroom join standup --role host
  meshroom join standup --url wss://signal.example.com/ws --codec msgpack`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(cmd.Context(), args[0])
	},
}

func joinRoom(parent context.Context, roomID string) error {
	role := models.Role(flagJoinRole)
	if !role.Valid() {
		return models.WrapError("join room", models.ErrInvalidRole, flagJoinRole)
	}

	cfg, err := config.LoadClient(config.ClientOptions{
		SignalingURL:      flagJoinURL,
		Codec:             flagJoinCodec,
		ICEServersJSON:    flagJoinICEServers,
		STUNURLs:          flagJoinSTUN,
		TURNURLs:          flagJoinTURN,
		TURNUsername:      flagJoinTURNUser,
		TURNCredential:    flagJoinTURNPass,
		ReconnectAttempts: flagJoinReconnectAttempts,
		ReconnectDelay:    flagJoinReconnectDelay,
	})
	if err != nil {
		return err
	}

	logger := slog.Default().With("room", roomID)
	api, err := peerlink.NewAPI(logger)
	if err != nil {
		return fmt.Errorf("failed to create WebRTC API: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obs := &consoleObserver{ended: cancel}
	ctrl, err := session.New(session.Config{
		URL:   cfg.SignalingURL,
		Codec: cfg.Codec,
		Capturer: media.Synthetic{
			Audio:  !flagJoinNoAudio,
			Video:  !flagJoinNoVideo,
			Logger: logger,
		},
		Connections:       peerlink.NewFactory(api, cfg.ICEServers),
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		PeerFailureGrace:  cfg.PeerFailureGrace,
		Observer:          obs,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	fmt.Println()
	ui.PrintInfof("Joining %s as %s via %s...", ui.BoldStyle.Render(roomID), role, cfg.SignalingURL)
	if err := ctrl.Join(ctx, roomID, role); err != nil {
		return err
	}
	obs.arm()

	fmt.Println(ui.RoomBanner(roomID, ctrl.SelfID(), ctrl.Role()))
	fmt.Println(ui.PresenceView(ctrl.Presence().Snapshot(), ctrl.Links()))

	if err := runConsole(ctx, os.Stdin, os.Stdout, ctrl); err != nil {
		return err
	}
	ui.PrintSuccess("Left the room")
	return nil
}

// consoleObserver prints session events. Once armed, a return to idle ends
// the console.
type consoleObserver struct {
	mu    sync.Mutex
	armed bool
	ended context.CancelFunc
}

func (o *consoleObserver) arm() {
	o.mu.Lock()
	o.armed = true
	o.mu.Unlock()
}

func (o *consoleObserver) StateChanged(state session.State) {
	o.mu.Lock()
	armed := o.armed
	o.mu.Unlock()
	if !armed {
		return
	}
	switch state {
	case session.StateJoining:
		ui.PrintWarning("Connection to the server lost, rejoining...")
	case session.StateJoined:
		ui.PrintSuccess("Rejoined the room")
	case session.StateIdle:
		o.ended()
	}
}

func (o *consoleObserver) LinkStateChanged(peerID string, state peerlink.State) {
	fmt.Printf("%s %s %s\n", ui.IconPeer, peerID, ui.LinkStateStyle(state).Render(state.String()))
}

func (o *consoleObserver) Error(err error) {
	ui.PrintError(err.Error())
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagJoinRole, "role", "r", string(models.RoleMember), "Seat to take: host or member")
	joinCmd.Flags().StringVar(&flagJoinURL, "url", "", "Signaling server WebSocket URL")
	joinCmd.Flags().StringVarP(&flagJoinCodec, "codec", "c", "", "Wire codec: json or msgpack")
	joinCmd.Flags().StringVarP(&flagJoinSTUN, "stun", "s", "", "Comma-separated STUN URLs")
	joinCmd.Flags().StringVarP(&flagJoinTURN, "turn", "t", "", "Comma-separated TURN URLs")
	joinCmd.Flags().StringVarP(&flagJoinTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagJoinTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().StringVar(&flagJoinICEServers, "ice-servers", "", "ICE servers as a JSON array")
	joinCmd.Flags().BoolVar(&flagJoinNoAudio, "no-audio", false, "Do not send audio")
	joinCmd.Flags().BoolVar(&flagJoinNoVideo, "no-video", false, "Do not send video")
	joinCmd.Flags().IntVar(&flagJoinReconnectAttempts, "reconnect-attempts", 0, "Reconnection attempts after the server connection drops")
	joinCmd.Flags().DurationVar(&flagJoinReconnectDelay, "reconnect-delay", 0, "Delay before the first reconnection attempt")
}
