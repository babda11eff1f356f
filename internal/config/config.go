package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Stream   StreamConfig   `yaml:"stream"`
	Programs ProgramsConfig `yaml:"programs"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig covers the signaling endpoint the coordinator listens on.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AdvertiseIP is the address handed to viewers in auth_success. When
	// empty the outbound interface address is discovered at startup.
	AdvertiseIP string `yaml:"advertise_ip"`
}

type SessionConfig struct {
	VerificationCode     string        `yaml:"verification_code"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ChatRatePerSec       float64       `yaml:"chat_rate_per_sec"`
	ChatBurst            int           `yaml:"chat_burst"`
}

type StreamConfig struct {
	IngestPort     int           `yaml:"ingest_port"`     // SRT listener fed by the host's encoder
	RTMPPort       int           `yaml:"rtmp_port"`       // intermediate distribution stream
	SRTBasePort    int           `yaml:"srt_base_port"`   // first candidate port for viewer relays
	PortAttempts   int           `yaml:"port_attempts"`   // probe budget per allocation
	IngestLatency  int           `yaml:"ingest_latency"`  // SRT latency (ms) on the ingest leg
	ViewerLatency  int           `yaml:"viewer_latency"`  // SRT latency (ms) on per-viewer relays
	RestartBackoff time.Duration `yaml:"restart_backoff"` // delay before relaunching a crashed relay
	StopTimeout    time.Duration `yaml:"stop_timeout"`    // graceful termination window
}

type ProgramsConfig struct {
	FFmpeg       string `yaml:"ffmpeg"`
	Player       string `yaml:"player"`
	StreamServer string `yaml:"stream_server"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 10086,
		},
		Session: SessionConfig{
			VerificationCode:     "114514",
			ReconnectInterval:    3 * time.Second,
			MaxReconnectAttempts: 5,
			HeartbeatInterval:    30 * time.Second,
			ChatRatePerSec:       5,
			ChatBurst:            10,
		},
		Stream: StreamConfig{
			IngestPort:     9001,
			RTMPPort:       1935,
			SRTBasePort:    10000,
			PortAttempts:   100,
			IngestLatency:  120,
			ViewerLatency:  3000,
			RestartBackoff: 3 * time.Second,
			StopTimeout:    5 * time.Second,
		},
		Programs: ProgramsConfig{
			FFmpeg:       "ffmpeg",
			Player:       "mpv",
			StreamServer: "nginx",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Default returns the built-in configuration, used when no config file exists.
func Default() *Config {
	return defaultConfig()
}

// Load reads a yaml config over the defaults. A missing file is not an
// error; every setting has a usable built-in value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
