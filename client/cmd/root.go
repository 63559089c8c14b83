package main

import (
	"os"
	"time"

	"github.com/adwski/webrtc-meet/client/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagServer       string
	flagCodec        string
	flagName         string
	flagSTUN         []string
	flagTURN         []string
	flagTURNUser     string
	flagTURNPass     string
	flagRetries      int
	flagLogLevel     string
	flagNoCamera     bool
	flagShareAfter   time.Duration
	flagShareFor     time.Duration
	flagRosterPeriod time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "meet",
	Short: "Headless video meeting participant",
	Long: `meet joins a meeting room through the signaling server and publishes
synthetic audio and video to every other participant over WebRTC.

Examples:
  meet create --name bot
  meet join plucky-heron-lagoon --server wss://meet.example/signal
  meet join standup --share-after 10s --share-for 30s`,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new room and join it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return participate(cmd.Context(), "")
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join an existing room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return participate(cmd.Context(), args[0])
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagServer, "server", "s", "", "signaling server url (env MEET_SERVER_URL)")
	pf.StringVarP(&flagCodec, "codec", "c", "", "signaling codec: json or msgpack (env MEET_CODEC)")
	pf.StringVarP(&flagName, "name", "n", "", "display name (env MEET_DISPLAY_NAME)")
	pf.StringSliceVar(&flagSTUN, "stun", nil, "STUN server urls (env STUN_SERVERS)")
	pf.StringSliceVar(&flagTURN, "turn", nil, "TURN server urls (env TURN_SERVERS)")
	pf.StringVar(&flagTURNUser, "turn-user", "", "TURN username (env TURN_USERNAME)")
	pf.StringVar(&flagTURNPass, "turn-pass", "", "TURN password (env TURN_PASSWORD)")
	pf.IntVarP(&flagRetries, "retries", "r", 0, "signaling reconnect attempts (env MEET_RECONNECT_RETRIES)")
	pf.StringVarP(&flagLogLevel, "log-level", "l", "info", "log level")
	pf.BoolVar(&flagNoCamera, "no-camera", false, "refuse camera access and join without media")
	pf.DurationVar(&flagShareAfter, "share-after", 0, "start screen share after given time")
	pf.DurationVar(&flagShareFor, "share-for", 0, "end screen share after given time as if revoked")
	pf.DurationVar(&flagRosterPeriod, "roster-period", 15*time.Second, "roster print period")

	rootCmd.AddCommand(createCmd, joinCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.Options{
		ServerURL:        flagServer,
		Codec:            flagCodec,
		DisplayName:      flagName,
		STUNServers:      flagSTUN,
		TURNServers:      flagTURN,
		TURNUser:         flagTURNUser,
		TURNPass:         flagTURNPass,
		ReconnectRetries: flagRetries,
	})
}

func newLogger() (zerolog.Logger, error) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return logger, err
	}
	return logger.Level(lvl), nil
}
