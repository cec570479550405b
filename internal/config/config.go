package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores runtime configuration for the realtime client engine.
type Config struct {
	Signaling SignalingConfig
	API       APIConfig
	RTC       RTCConfig
	Session   SessionConfig
	Audio     AudioConfig
	Jobs      JobsConfig
	Log       LogConfig
}

type SignalingConfig struct {
	URL         string
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type APIConfig struct {
	BaseURL string
}

type RTCConfig struct {
	STUNServers []string
}

type SessionConfig struct {
	Locale      string
	Diarization bool
	MinSpeakers int
	MaxSpeakers int
}

type AudioConfig struct {
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
	ChunkSize       int
}

type JobsConfig struct {
	OCRPollInterval time.Duration
	LLMPollInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Load resolves configuration from environment variables and defaults.
func Load() (Config, error) {
	cfg := Config{
		Signaling: SignalingConfig{
			URL:         envOrDefault("ROOMVOICE_SIGNALING_URL", "wss://localhost:8080/v1/realtime"),
			BackoffBase: envDurationMS("ROOMVOICE_RECONNECT_BASE_MS", 1000),
			BackoffMax:  envDurationMS("ROOMVOICE_RECONNECT_MAX_MS", 10000),
		},
		API: APIConfig{
			BaseURL: envOrDefault("ROOMVOICE_API_BASE", "https://localhost:8080"),
		},
		RTC: RTCConfig{
			STUNServers: splitList(envOrDefault("ROOMVOICE_STUN_SERVERS", "stun:stun.l.google.com:19302")),
		},
		Session: SessionConfig{
			Locale:      envOrDefault("ROOMVOICE_LOCALE", "ko-KR"),
			Diarization: envOrDefaultBool("ROOMVOICE_DIARIZATION", true),
			MinSpeakers: envOrDefaultInt("ROOMVOICE_MIN_SPEAKERS", 2),
			MaxSpeakers: envOrDefaultInt("ROOMVOICE_MAX_SPEAKERS", 4),
		},
		Audio: AudioConfig{
			RecorderCommand: envOrDefault("ROOMVOICE_RECORDER_COMMAND", "ffmpeg"),
			InputFormat:     envOrDefault("ROOMVOICE_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice:     envOrDefault("ROOMVOICE_AUDIO_INPUT_DEVICE", "default"),
			SampleRate:      envOrDefaultInt("ROOMVOICE_SAMPLE_RATE", 8000),
			Channels:        envOrDefaultInt("ROOMVOICE_CHANNELS", 1),
			ChunkSize:       envOrDefaultInt("ROOMVOICE_AUDIO_CHUNK_SIZE", 160),
		},
		Jobs: JobsConfig{
			OCRPollInterval: envDurationMS("ROOMVOICE_OCR_POLL_MS", 2000),
			LLMPollInterval: envDurationMS("ROOMVOICE_LLM_POLL_MS", 3000),
		},
		Log: LogConfig{
			Level:  envOrDefault("ROOMVOICE_LOG_LEVEL", "info"),
			Format: envOrDefault("ROOMVOICE_LOG_FORMAT", "console"),
		},
	}

	if cfg.Signaling.BackoffBase <= 0 {
		cfg.Signaling.BackoffBase = time.Second
	}
	if cfg.Signaling.BackoffMax < cfg.Signaling.BackoffBase {
		cfg.Signaling.BackoffMax = 10 * time.Second
	}
	if cfg.Session.MinSpeakers < 1 {
		cfg.Session.MinSpeakers = 1
	}
	if cfg.Session.MaxSpeakers < cfg.Session.MinSpeakers {
		cfg.Session.MaxSpeakers = cfg.Session.MinSpeakers
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 8000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.ChunkSize < 80 {
		cfg.Audio.ChunkSize = 160
	}

	return cfg, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envDurationMS(key string, fallbackMS int) time.Duration {
	ms := envOrDefaultInt(key, fallbackMS)
	if ms < 0 {
		ms = fallbackMS
	}
	return time.Duration(ms) * time.Millisecond
}
