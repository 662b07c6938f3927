package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Logging struct {
	Level string `yaml:"level"`
}

type SessionsConfig struct {
	SendBufferSize           int           `yaml:"sendBufferSize"`
	WebSocketReadBufferSize  int           `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int           `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int           `yaml:"maxConnections"`
	MaxMessageSize           int64         `yaml:"maxMessageSize"`
	WriteWait                time.Duration `yaml:"writeWait"`
	PongWait                 time.Duration `yaml:"pongWait"`
}

type IngressConfig struct {
	QueueSize int    `yaml:"queueSize"`
	AppID     string `yaml:"appId,omitempty"` // empty accepts any app id in the path
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Ingress RateLimiterConfig `yaml:"ingress"`
	Default RateLimiterConfig `yaml:"default"`
}

type Relay struct {
	HttpBinding  string         `yaml:"httpBinding"`
	Sessions     SessionsConfig `yaml:"sessions"`
	Ingress      IngressConfig  `yaml:"ingress"`
	RateLimiters RateLimiters   `yaml:"rateLimiters"`
}

type Origin struct {
	HttpBinding string        `yaml:"httpBinding"`
	DataDir     string        `yaml:"dataDir"`
	CacheTTL    time.Duration `yaml:"cacheTTL"`
	RelayURL    string        `yaml:"relayURL,omitempty"` // no publishing when empty
	AppID       string        `yaml:"appId"`
	EventName   string        `yaml:"eventName"`
}

type Agent struct {
	PushInterval     time.Duration `yaml:"pushInterval"`
	PullInterval     time.Duration `yaml:"pullInterval"`
	EchoGuardWindow  time.Duration `yaml:"echoGuardWindow"` // must outlast one pull/listen cycle
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	SubscribeTimeout time.Duration `yaml:"subscribeTimeout"`
	ReconnectMax     time.Duration `yaml:"reconnectMax"`
}

type Config struct {
	Logging Logging `yaml:"logging"`
	Relay   Relay   `yaml:"relay"`
	Origin  Origin  `yaml:"origin"`
	Agent   Agent   `yaml:"agent"`
}

var (
	ErrConfigFileUnreadable                    = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable                = errors.New("config file is unmarshallable")
	ErrRelayHttpBindingMissing                 = errors.New("relay.httpBinding is missing in config")
	ErrSessionsSendBufferSizeMissing           = errors.New("relay.sessions.sendBufferSize is missing or invalid in config")
	ErrSessionsWebSocketReadBufferSizeMissing  = errors.New("relay.sessions.webSocketReadBufferSize is missing or invalid in config")
	ErrSessionsWebSocketWriteBufferSizeMissing = errors.New("relay.sessions.webSocketWriteBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing           = errors.New("relay.sessions.maxConnections is missing or invalid in config")
	ErrSessionsMaxMessageSizeMissing           = errors.New("relay.sessions.maxMessageSize is missing or invalid in config")
	ErrSessionsPongWaitInvalid                 = errors.New("relay.sessions.pongWait must be set and longer than writeWait")
	ErrIngressQueueSizeMissing                 = errors.New("relay.ingress.queueSize is missing or invalid in config")
	ErrRateLimitersIngressLimitMissing         = errors.New("relay.rateLimiters.ingress.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing         = errors.New("relay.rateLimiters.default.limit is missing in config")
	ErrOriginHttpBindingMissing                = errors.New("origin.httpBinding is missing in config")
	ErrOriginDataDirMissing                    = errors.New("origin.dataDir is missing in config")
	ErrOriginEventNameMissing                  = errors.New("origin.eventName is missing in config")
	ErrAgentIntervalsMissing                   = errors.New("agent.pushInterval and agent.pullInterval must be positive")
	ErrAgentEchoGuardTooShort                  = errors.New("agent.echoGuardWindow must be longer than agent.pullInterval")
	ErrAgentRequestTimeoutMissing              = errors.New("agent.requestTimeout is missing in config")
)

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section. Sections a process does not run still have
// to be valid so one file serves the relay, the origin and the cli.
func (cfg *Config) Validate() error {
	if cfg.Relay.HttpBinding == "" {
		return ErrRelayHttpBindingMissing
	}
	s := cfg.Relay.Sessions
	if s.SendBufferSize <= 0 {
		return ErrSessionsSendBufferSizeMissing
	}
	if s.WebSocketReadBufferSize <= 0 {
		return ErrSessionsWebSocketReadBufferSizeMissing
	}
	if s.WebSocketWriteBufferSize <= 0 {
		return ErrSessionsWebSocketWriteBufferSizeMissing
	}
	if s.MaxConnections <= 0 {
		return ErrSessionsMaxConnectionsMissing
	}
	if s.MaxMessageSize <= 0 {
		return ErrSessionsMaxMessageSizeMissing
	}
	if s.PongWait <= 0 || s.PongWait <= s.WriteWait {
		return ErrSessionsPongWaitInvalid
	}
	if cfg.Relay.Ingress.QueueSize <= 0 {
		return ErrIngressQueueSizeMissing
	}
	if cfg.Relay.RateLimiters.Ingress.Limit == 0 {
		return ErrRateLimitersIngressLimitMissing
	}
	if cfg.Relay.RateLimiters.Default.Limit == 0 {
		return ErrRateLimitersDefaultLimitMissing
	}

	if cfg.Origin.HttpBinding == "" {
		return ErrOriginHttpBindingMissing
	}
	if cfg.Origin.DataDir == "" {
		return ErrOriginDataDirMissing
	}
	if cfg.Origin.EventName == "" {
		return ErrOriginEventNameMissing
	}

	if cfg.Agent.PushInterval <= 0 || cfg.Agent.PullInterval <= 0 {
		return ErrAgentIntervalsMissing
	}
	if cfg.Agent.EchoGuardWindow <= cfg.Agent.PullInterval {
		return ErrAgentEchoGuardTooShort
	}
	if cfg.Agent.RequestTimeout <= 0 {
		return ErrAgentRequestTimeoutMissing
	}
	return nil
}

func GenerateConfig() *Config {
	return &Config{
		Logging: Logging{Level: "info"},
		Relay: Relay{
			HttpBinding: "127.0.0.1:6001",
			Sessions: SessionsConfig{
				SendBufferSize:           256,
				WebSocketReadBufferSize:  4096,
				WebSocketWriteBufferSize: 4096,
				MaxConnections:           1000,
				MaxMessageSize:           1024 * 1024,
				WriteWait:                10 * time.Second,
				PongWait:                 60 * time.Second,
			},
			Ingress: IngressConfig{
				QueueSize: 1024,
			},
			RateLimiters: RateLimiters{
				Ingress: RateLimiterConfig{Limit: 200.0, Burst: 400},
				Default: RateLimiterConfig{Limit: 50.0, Burst: 100},
			},
		},
		Origin: Origin{
			HttpBinding: "127.0.0.1:8000",
			DataDir:     "data/origin",
			CacheTTL:    time.Minute,
			RelayURL:    "http://127.0.0.1:6001",
			AppID:       "local",
			EventName:   "editor.updated",
		},
		Agent: Agent{
			PushInterval:     2 * time.Second,
			PullInterval:     2 * time.Second,
			EchoGuardWindow:  3 * time.Second,
			RequestTimeout:   5 * time.Second,
			SubscribeTimeout: 5 * time.Second,
			ReconnectMax:     30 * time.Second,
		},
	}
}
