package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultServerURL        = "ws://localhost:8888/signal"
	DefaultSTUN             = "stun:stun.l.google.com:19302"
	DefaultCodec            = "json"
	DefaultReconnectRetries = 5
	DefaultReconnectBackoff = time.Second
	DefaultICERestartWait   = 10 * time.Second
)

var (
	ErrInvalidServerURL = errors.New("invalid signaling server url")
	ErrInvalidCodec     = errors.New("codec must be json or msgpack")
)

// Config holds client configuration.
type Config struct {
	// ServerURL is the websocket signaling endpoint.
	ServerURL string
	// Codec is the signaling wire codec, json or msgpack.
	Codec string

	DisplayName string

	STUNServers []string
	TURNServers []string
	TURNUser    string
	TURNPass    string

	ReconnectRetries int
	ReconnectBackoff time.Duration
	ICERestartWait   time.Duration
}

// Options carries CLI flag overrides, zero values mean "not set".
type Options struct {
	ServerURL        string
	Codec            string
	DisplayName      string
	STUNServers      []string
	TURNServers      []string
	TURNUser         string
	TURNPass         string
	ReconnectRetries int
}

// Load reads configuration with the following priority:
// CLI flags, then environment variables, then defaults.
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		ServerURL:        pick(opts.ServerURL, os.Getenv("MEET_SERVER_URL"), DefaultServerURL),
		Codec:            pick(opts.Codec, os.Getenv("MEET_CODEC"), DefaultCodec),
		DisplayName:      pick(opts.DisplayName, os.Getenv("MEET_DISPLAY_NAME"), hostname()),
		TURNUser:         pick(opts.TURNUser, os.Getenv("TURN_USERNAME"), ""),
		TURNPass:         pick(opts.TURNPass, os.Getenv("TURN_PASSWORD"), ""),
		STUNServers:      pickList(opts.STUNServers, os.Getenv("STUN_SERVERS"), []string{DefaultSTUN}),
		TURNServers:      pickList(opts.TURNServers, os.Getenv("TURN_SERVERS"), nil),
		ReconnectRetries: DefaultReconnectRetries,
		ReconnectBackoff: DefaultReconnectBackoff,
		ICERestartWait:   DefaultICERestartWait,
	}

	if opts.ReconnectRetries > 0 {
		cfg.ReconnectRetries = opts.ReconnectRetries
	} else if v, err := strconv.Atoi(os.Getenv("MEET_RECONNECT_RETRIES")); err == nil && v > 0 {
		cfg.ReconnectRetries = v
	}

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, errors.Join(ErrInvalidServerURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, ErrInvalidServerURL
	}
	if cfg.Codec != "json" && cfg.Codec != "msgpack" {
		return nil, ErrInvalidCodec
	}
	return cfg, nil
}

func pick(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func pickList(flag []string, env string, def []string) []string {
	if len(flag) > 0 {
		return flag
	}
	if env != "" {
		var out []string
		for _, s := range strings.Split(env, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "guest"
	}
	return name
}
