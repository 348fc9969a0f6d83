package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vocalis-dev/vocalis/pkg/audio"
)

// Config holds gateway settings, loaded from the environment.
type Config struct {
	Addr string

	// Upstream Gemini Live settings.
	GeminiAPIKey      string
	GeminiModel       string
	GeminiVoice       string
	SystemInstruction string

	// Browser WebSocket limits. MaxAudioFrameBytes bounds the decoded PCM
	// size of one audio frame; the default is 512ms of microphone audio.
	MaxJSONMessageBytes int64
	MaxAudioFrameBytes  int

	WSWriteTimeout     time.Duration
	WSPingInterval     time.Duration
	HandshakeTimeout   time.Duration
	MaxSessionDuration time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	MetricsNamespace string
}

// LoadFromEnv builds a Config from VOCALIS_* variables, falling back to
// defaults. GEMINI_API_KEY is the only required setting.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOCALIS_ADDR", ":8080"),
		GeminiAPIKey:        strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:         envOr("VOCALIS_GEMINI_MODEL", ""),
		GeminiVoice:         envOr("VOCALIS_GEMINI_VOICE", ""),
		SystemInstruction:   envOr("VOCALIS_SYSTEM_INSTRUCTION", ""),
		MaxJSONMessageBytes: envInt64Or("VOCALIS_MAX_JSON_MESSAGE_BYTES", 64*1024),
		MaxAudioFrameBytes:  envIntOr("VOCALIS_MAX_AUDIO_FRAME_BYTES", audio.InputConfig().BytesForDurationMs(512)),
		WSWriteTimeout:      envDurationOr("VOCALIS_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:      envDurationOr("VOCALIS_WS_PING_INTERVAL", 20*time.Second),
		HandshakeTimeout:    envDurationOr("VOCALIS_HANDSHAKE_TIMEOUT", 5*time.Second),
		MaxSessionDuration:  envDurationOr("VOCALIS_MAX_SESSION_DURATION", 2*time.Hour),
		ReadHeaderTimeout:   envDurationOr("VOCALIS_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOCALIS_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsNamespace:    envOr("VOCALIS_METRICS_NAMESPACE", "vocalis"),
	}

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_WS_PING_INTERVAL must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Accept bare millisecond counts for _MS style overrides.
		if n, nerr := strconv.ParseInt(v, 10, 64); nerr == nil {
			return time.Duration(n) * time.Millisecond
		}
		return def
	}
	return d
}
