package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"

	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("config")

type Config struct {
	Server Server `json:"server"`
	Client Client `json:"client"`
	Call   Call   `json:"call"`
	Log    Log    `json:"log"`
}

type Server struct {
	HTTPAddr string `json:"http_addr"`
	DataDir  string `json:"data_dir"`

	// Per-connection limits for the realtime socket.
	ReadLimitBytes  int64 `json:"read_limit_bytes"`
	SendQueue       int   `json:"send_queue"`
	PingSeconds     int   `json:"ping_seconds"`
	PongWaitSeconds int   `json:"pong_wait_seconds"`

	// Inbound events per second per connection. 0 disables the limiter.
	RatePerSec float64 `json:"rate_per_sec"`
	RateBurst  int     `json:"rate_burst"`
}

type Client struct {
	ServerURL        string `json:"server_url"`
	UserID           string `json:"user_id"`
	DataDir          string `json:"data_dir"`
	ReconnectSeconds int    `json:"reconnect_seconds"`
}

type Call struct {
	STUNURLs            []string `json:"stun_urls"`
	ICEDisconnectedSecs int      `json:"ice_disconnected_seconds"`
	ICEFailedSecs       int      `json:"ice_failed_seconds"`
	// Where remote media is recorded. Empty disables recording.
	RecordDir string `json:"record_dir"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr:        "127.0.0.1:8787",
			DataDir:         "data/server",
			ReadLimitBytes:  64 << 10,
			SendQueue:       256,
			PingSeconds:     25,
			PongWaitSeconds: 60,
			RatePerSec:      20,
			RateBurst:       40,
		},
		Client: Client{
			ServerURL:        "http://127.0.0.1:8787",
			DataDir:          "data/client",
			ReconnectSeconds: 1,
		},
		Call: Call{
			STUNURLs:            []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedSecs: 30,
			ICEFailedSecs:       120,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if strings.TrimSpace(c.Server.DataDir) == "" {
		return errors.New("server.data_dir is required")
	}
	if c.Server.ReadLimitBytes <= 0 {
		return errors.New("server.read_limit_bytes must be > 0")
	}
	if c.Server.SendQueue <= 0 {
		return errors.New("server.send_queue must be > 0")
	}
	if c.Server.PingSeconds <= 0 {
		return errors.New("server.ping_seconds must be > 0")
	}
	if c.Server.PongWaitSeconds <= c.Server.PingSeconds {
		return errors.New("server.pong_wait_seconds must be > server.ping_seconds")
	}
	if c.Server.RatePerSec < 0 {
		return errors.New("server.rate_per_sec must be >= 0")
	}
	if c.Server.RatePerSec > 0 && c.Server.RateBurst <= 0 {
		return errors.New("server.rate_burst must be > 0 when rate_per_sec is set")
	}

	// Client
	if s := strings.TrimSpace(c.Client.ServerURL); s != "" {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return errors.New("client.server_url must be an absolute URL")
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("client.server_url: unsupported scheme %q", u.Scheme)
		}
	}
	if c.Client.UserID != "" {
		if _, err := util.ValidateUserID(c.Client.UserID); err != nil {
			return fmt.Errorf("client.user_id: %w", err)
		}
	}
	if c.Client.ReconnectSeconds < 0 {
		return errors.New("client.reconnect_seconds must be >= 0")
	}

	// Call
	for _, s := range c.Call.STUNURLs {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.stun_urls: %q is not a stun: or turn: URL", s)
		}
	}
	if c.Call.ICEDisconnectedSecs <= 0 || c.Call.ICEFailedSecs <= 0 {
		return errors.New("call ICE timeouts must be > 0")
	}
	if c.Call.ICEFailedSecs < c.Call.ICEDisconnectedSecs {
		return errors.New("call.ice_failed_seconds must be >= call.ice_disconnected_seconds")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (s Server) PingInterval() time.Duration { return time.Duration(s.PingSeconds) * time.Second }
func (s Server) PongWait() time.Duration     { return time.Duration(s.PongWaitSeconds) * time.Second }

func (c Client) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectSeconds) * time.Second
}

// Load reads path on top of the defaults, then applies PARLEY_* environment
// overrides (a .env file in the working directory counts).
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

var envOverrides = []struct {
	key string
	set func(*Config, string)
}{
	{"PARLEY_HTTP_ADDR", func(c *Config, v string) { c.Server.HTTPAddr = v }},
	{"PARLEY_DB_DIR", func(c *Config, v string) { c.Server.DataDir = v }},
	{"PARLEY_LOG_LEVEL", func(c *Config, v string) { c.Log.Level = v }},
	{"PARLEY_SERVER_URL", func(c *Config, v string) { c.Client.ServerURL = v }},
	{"PARLEY_USER_ID", func(c *Config, v string) { c.Client.UserID = v }},
}

func applyEnv(cfg *Config) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("load .env: %v", err)
	}
	for _, o := range envOverrides {
		if v := strings.TrimSpace(os.Getenv(o.key)); v != "" {
			o.set(cfg, v)
		}
	}
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads path, writing the defaults there first if it does not exist.
// The bool reports whether the file was created.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	if err := Save(path, Default()); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	cfg, err := Load(path)
	return cfg, true, err
}
