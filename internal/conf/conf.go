package conf

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tableside/staff-bridge/internal/biz/domain"
	"github.com/tableside/staff-bridge/internal/logging"
)

// Config represents application configuration
type Config struct {
	// Backend messaging API and event stream
	Backend BackendConfig

	// Staff member this device responds as
	Staff StaffConfig

	// Presenter configuration
	Presenter PresenterConfig

	// Unread index storage
	Unread UnreadConfig

	// Event stream tuning
	Stream StreamConfig

	// Local API for the UI and the MCP server
	API APIConfig

	// Logging
	Log LogConfig

	// Reply suggestions (optional LLM ranking)
	Suggest SuggestConfig

	// Feishu escalation (optional)
	Feishu FeishuConfig

	// Canned replies (loaded from YAML)
	Replies *RepliesConfig

	// Debug mode
	Debug bool
}

// BackendConfig contains backend configuration
type BackendConfig struct {
	BaseURL        string
	StreamURL      string
	Token          string
	TokenFile      string // re-read on every connect so a rotated token is picked up
	Timeout        time.Duration
	ResponseWait   time.Duration
	RequestsPerSec float64
}

// StaffConfig identifies the responding staff member
type StaffConfig struct {
	ID   string
	Name string
}

// PresenterConfig contains presenter configuration
type PresenterConfig struct {
	DismissAfter time.Duration
}

// UnreadConfig contains unread index configuration
type UnreadConfig struct {
	DBPath       string
	HistoryLimit int
}

// StreamConfig contains event stream configuration
type StreamConfig struct {
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	AuthTimeout  time.Duration
	PingInterval time.Duration
}

// APIConfig contains local API configuration
type APIConfig struct {
	Port int
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string
	File  string
}

// SuggestConfig contains OpenAI-compatible model configuration
type SuggestConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// FeishuConfig contains Feishu escalation configuration
type FeishuConfig struct {
	AppID              string
	AppSecret          string
	EscalationChatID   string
	EscalateAfter      time.Duration
	EscalationInterval time.Duration
}

// DefaultAPIPort is the local API port used when API_PORT is unset
const DefaultAPIPort = 9876

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// Unread DB path
	dbPath := os.Getenv("UNREAD_DB_PATH")
	if dbPath == "" {
		homeDir, _ := os.UserHomeDir()
		dbPath = filepath.Join(homeDir, ".staff-bridge", "bridge.db")
	}

	baseURL := strings.TrimSpace(os.Getenv("BACKEND_BASE_URL"))
	streamURL := strings.TrimSpace(os.Getenv("BACKEND_STREAM_URL"))
	if streamURL == "" {
		streamURL = deriveStreamURL(baseURL)
	}

	// Load canned replies from YAML
	replies, err := LoadRepliesConfig(os.Getenv("REPLIES_CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[Config] %v, using default replies\n", err)
		replies = DefaultRepliesConfig()
	}

	debug := os.Getenv("DEBUG") == "true"
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
		if debug {
			logLevel = "debug"
		}
	}

	return &Config{
		Backend: BackendConfig{
			BaseURL:        baseURL,
			StreamURL:      streamURL,
			Token:          os.Getenv("BACKEND_TOKEN"),
			TokenFile:      os.Getenv("BACKEND_TOKEN_FILE"),
			Timeout:        envSeconds("BACKEND_TIMEOUT_SECONDS", 15*time.Second),
			ResponseWait:   envSeconds("RESPONSE_TIMEOUT_SECONDS", 10*time.Second),
			RequestsPerSec: envFloat("BACKEND_RPS", 5),
		},
		Staff: StaffConfig{
			ID:   os.Getenv("STAFF_ID"),
			Name: os.Getenv("STAFF_NAME"),
		},
		Presenter: PresenterConfig{
			DismissAfter: envSeconds("PRESENTER_DISMISS_SECONDS", 5*time.Second),
		},
		Unread: UnreadConfig{
			DBPath:       dbPath,
			HistoryLimit: envInt("UNREAD_HISTORY_LIMIT", 50),
		},
		Stream: StreamConfig{
			BackoffBase:  envMillis("STREAM_BACKOFF_BASE_MS", time.Second),
			BackoffCap:   envSeconds("STREAM_BACKOFF_CAP_SECONDS", 30*time.Second),
			AuthTimeout:  envSeconds("STREAM_AUTH_TIMEOUT_SECONDS", 10*time.Second),
			PingInterval: envSeconds("STREAM_PING_SECONDS", 25*time.Second),
		},
		API: APIConfig{
			Port: envInt("API_PORT", DefaultAPIPort),
		},
		Log: LogConfig{
			Level: logLevel,
			File:  os.Getenv("LOG_FILE"),
		},
		Suggest: SuggestConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   os.Getenv("OPENAI_MODEL"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
		Feishu: FeishuConfig{
			AppID:              os.Getenv("FEISHU_APP_ID"),
			AppSecret:          os.Getenv("FEISHU_APP_SECRET"),
			EscalationChatID:   os.Getenv("FEISHU_ESCALATION_CHAT_ID"),
			EscalateAfter:      time.Duration(envInt("ESCALATE_AFTER_MINUTES", 10)) * time.Minute,
			EscalationInterval: envSeconds("ESCALATION_INTERVAL_SECONDS", time.Minute),
		},
		Replies: replies,
		Debug:   debug,
	}
}

// deriveStreamURL maps http(s)://host/base to ws(s)://host/base/events
func deriveStreamURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	return u.String()
}

// TokenProvider returns the provider handed to the stream and the backend
// client. A token file wins over a literal token.
func (c *BackendConfig) TokenProvider() domain.TokenProvider {
	if c.TokenFile == "" {
		return domain.StaticToken(c.Token)
	}
	path := c.TokenFile
	return func(ctx context.Context) (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
}

// Identity returns the staff identity sent with responses
func (c *StaffConfig) Identity() domain.StaffIdentity {
	return domain.StaffIdentity{ID: c.ID, Name: c.Name}
}

// LoggingOptions converts to logger options
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Console:    c.Debug,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return &ConfigError{Field: "BACKEND_BASE_URL", Message: "required"}
	}
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Host == "" {
		return &ConfigError{Field: "BACKEND_BASE_URL", Message: "must be an absolute URL"}
	}
	if c.Backend.StreamURL == "" {
		return &ConfigError{Field: "BACKEND_STREAM_URL", Message: "required"}
	}
	if u, err := url.Parse(c.Backend.StreamURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return &ConfigError{Field: "BACKEND_STREAM_URL", Message: "must be a ws:// or wss:// URL"}
	}
	if c.Backend.Token == "" && c.Backend.TokenFile == "" {
		return &ConfigError{Field: "BACKEND_TOKEN/BACKEND_TOKEN_FILE", Message: "required"}
	}
	if c.Staff.ID == "" || c.Staff.Name == "" {
		return &ConfigError{Field: "STAFF_ID/STAFF_NAME", Message: "required"}
	}
	if c.Presenter.DismissAfter <= 0 {
		return &ConfigError{Field: "PRESENTER_DISMISS_SECONDS", Message: "must be positive"}
	}
	if c.Unread.HistoryLimit < 0 {
		return &ConfigError{Field: "UNREAD_HISTORY_LIMIT", Message: "must not be negative"}
	}
	if c.Stream.BackoffBase <= 0 || c.Stream.BackoffCap < c.Stream.BackoffBase {
		return &ConfigError{Field: "STREAM_BACKOFF_BASE_MS/STREAM_BACKOFF_CAP_SECONDS", Message: "base must be positive and not above cap"}
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return &ConfigError{Field: "API_PORT", Message: "out of range"}
	}
	if c.Feishu.EscalationChatID != "" && (c.Feishu.AppID == "" || c.Feishu.AppSecret == "") {
		return &ConfigError{Field: "FEISHU_APP_ID/FEISHU_APP_SECRET", Message: "required for escalation"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(parsed * float64(time.Second))
		}
	}
	return def
}

func envMillis(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return def
}
