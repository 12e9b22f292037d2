package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Default client configuration values
const (
	DefaultSignalingURL = "ws://localhost:8080/ws"
	DefaultSTUN         = "stun:stun.l.google.com:19302"
)

// Config holds the configuration of a joining peer
type Config struct {
	// SignalingURL is the websocket endpoint of the signaling server
	SignalingURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// ForceRelay restricts ICE to TURN candidates
	ForceRelay bool

	// Trickle sends ICE candidates as they are gathered instead of
	// embedding them all in the session description
	Trickle bool

	// Local media files; an empty AudioFile yields a silent track
	AudioFile string
	VideoFile string
}

// Options for loading config with CLI flag overrides
type Options struct {
	SignalingURL string
	STUNServer   string
	TURNServer   string
	TURNUser     string
	TURNPass     string
	ForceRelay   bool
	NoTrickle    bool
	AudioFile    string
	VideoFile    string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	signalingURL := firstNonEmpty(opts.SignalingURL, os.Getenv("SIGNALING_URL"), DefaultSignalingURL)
	u, err := url.Parse(signalingURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signaling URL must use ws or wss, got %q", u.Scheme)
	}

	cfg := &Config{
		SignalingURL: signalingURL,
		STUNServer:   firstNonEmpty(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN),
		TURNServer:   firstNonEmpty(opts.TURNServer, os.Getenv("TURN_SERVER")),
		TURNUser:     firstNonEmpty(opts.TURNUser, os.Getenv("TURN_USERNAME")),
		TURNPass:     firstNonEmpty(opts.TURNPass, os.Getenv("TURN_PASSWORD")),
		ForceRelay:   opts.ForceRelay,
		Trickle:      !opts.NoTrickle,
		AudioFile:    opts.AudioFile,
		VideoFile:    opts.VideoFile,
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// HTTPBaseURL returns the http(s) origin of the signaling server
func (c *Config) HTTPBaseURL() string {
	u, err := url.Parse(c.SignalingURL)
	if err != nil {
		return ""
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}

// GetRoomLink returns the shareable link for a room ID
func (c *Config) GetRoomLink(roomID string) string {
	return fmt.Sprintf("%s/r/%s", c.HTTPBaseURL(), url.PathEscape(roomID))
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
