package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	// ServerURL is the base URL of the Tether REST API.
	ServerURL string
	// SocketURL is the websocket endpoint for the realtime stream.
	SocketURL string
	// TetherHome is the directory where Tether stores local state.
	TetherHome string
	// Debug enables verbose logging.
	Debug bool
	// LogLevel overrides the log level (trace|debug|info|warn|error).
	LogLevel string
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	tetherHome := os.Getenv("TETHER_HOME_DIR")
	if tetherHome == "" {
		tetherHome = filepath.Join(homeDir, ".tether")
	}
	if err := os.MkdirAll(tetherHome, 0700); err != nil {
		return nil, fmt.Errorf("failed to create tether home: %w", err)
	}

	serverURL := strings.TrimRight(os.Getenv("TETHER_SERVER_URL"), "/")
	if serverURL == "" {
		serverURL = "https://api.tether.chat"
	}

	socketURL := os.Getenv("TETHER_SOCKET_URL")
	if socketURL == "" {
		socketURL, err = deriveSocketURL(serverURL)
		if err != nil {
			return nil, err
		}
	}

	debug := os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"
	if !debug {
		debug = os.Getenv("TETHER_DEBUG") == "true" || os.Getenv("TETHER_DEBUG") == "1"
	}

	return &Config{
		ServerURL:  serverURL,
		SocketURL:  socketURL,
		TetherHome: tetherHome,
		Debug:      debug,
		LogLevel:   os.Getenv("TETHER_LOG_LEVEL"),
	}, nil
}

// deriveSocketURL turns the REST base URL into the stream endpoint.
func deriveSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid TETHER_SERVER_URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid TETHER_SERVER_URL scheme %q", u.Scheme)
	}
	u.Path = "/v1/stream"
	return u.String(), nil
}
