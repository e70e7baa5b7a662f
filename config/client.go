package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"
)

// Default client configuration values
const (
	DefaultSignalingURL      = "ws://localhost:8080/ws"
	DefaultSTUN              = "stun:stun.l.google.com:19302"
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultPeerFailureGrace  = 10 * time.Second
	DefaultCodec             = "json"
)

// ClientConfig holds the participant-side configuration
type ClientConfig struct {
	SignalingURL string
	Codec        string
	ICEServers   []webrtc.ICEServer

	// Transport reconnection budget.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// PeerFailureGrace is how long a failed or disconnected peer connection
	// may take to recover before the link is reported as failed.
	PeerFailureGrace time.Duration
}

// ClientOptions carries CLI flag overrides
type ClientOptions struct {
	SignalingURL      string
	Codec             string
	ICEServersJSON    string
	STUNURLs          string
	TURNURLs          string
	TURNUsername      string
	TURNCredential    string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	PeerFailureGrace  time.Duration
}

// LoadClient reads configuration with the following priority:
// 1. CLI flags (passed via ClientOptions) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func LoadClient(opts ClientOptions) (*ClientConfig, error) {
	cfg := &ClientConfig{
		SignalingURL:      firstNonEmpty(opts.SignalingURL, os.Getenv("SIGNALING_URL"), DefaultSignalingURL),
		Codec:             firstNonEmpty(opts.Codec, os.Getenv("SIGNALING_CODEC"), DefaultCodec),
		ReconnectAttempts: opts.ReconnectAttempts,
		ReconnectDelay:    opts.ReconnectDelay,
		PeerFailureGrace:  opts.PeerFailureGrace,
	}

	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
		if v := os.Getenv("RECONNECT_ATTEMPTS"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("RECONNECT_ATTEMPTS: invalid value %q", v)
			}
			cfg.ReconnectAttempts = n
		}
	}

	var err error
	if cfg.ReconnectDelay <= 0 {
		if cfg.ReconnectDelay, err = durationEnv("RECONNECT_DELAY", DefaultReconnectDelay); err != nil {
			return nil, err
		}
	}
	if cfg.PeerFailureGrace <= 0 {
		if cfg.PeerFailureGrace, err = durationEnv("PEER_FAILURE_GRACE", DefaultPeerFailureGrace); err != nil {
			return nil, err
		}
	}

	stun := firstNonEmpty(opts.STUNURLs, os.Getenv(envStunURLs))
	turn := firstNonEmpty(opts.TURNURLs, os.Getenv(envTurnURLs))
	iceJSON := firstNonEmpty(opts.ICEServersJSON, os.Getenv(envICEServersJSON))
	if iceJSON == "" && stun == "" && turn == "" {
		stun = DefaultSTUN
	}
	cfg.ICEServers, err = ParseICEServers(
		iceJSON,
		stun,
		turn,
		firstNonEmpty(opts.TURNUsername, os.Getenv(envTurnUsername)),
		firstNonEmpty(opts.TURNCredential, os.Getenv(envTurnCredential)),
	)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
