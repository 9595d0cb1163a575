package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env      string         `yaml:"env" env-default:"local"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	WebRTC   WebRTCConfig   `yaml:"webrtc"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Client   ClientConfig   `yaml:"client"`
	Session  SessionConfig  `yaml:"session"`
	Quiz     QuizConfig     `yaml:"quiz"`
}

type HTTPConfig struct {
	Address string `yaml:"address" env:"HTTP_ADDRESS" env-default:""`
}

// DatabaseConfig selects the repository backend. An empty DSN keeps
// everything in memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_DSN" env-default:""`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers" env:"WEBRTC_STUN_SERVERS" env-default:""`
}

type RealtimeConfig struct {
	MemberQueueSize int           `yaml:"member_queue_size" env:"REALTIME_MEMBER_QUEUE_SIZE"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"REALTIME_WRITE_TIMEOUT"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"REALTIME_PING_INTERVAL"`
}

type ClientConfig struct {
	ServerURL          string        `yaml:"server_url" env:"CLIENT_SERVER_URL"`
	ReconnectAttempts  int           `yaml:"reconnect_attempts" env:"CLIENT_RECONNECT_ATTEMPTS"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay" env:"CLIENT_RECONNECT_BASE_DELAY"`
	OutboxSize         int           `yaml:"outbox_size" env:"CLIENT_OUTBOX_SIZE"`
}

type SessionConfig struct {
	DefaultTimerSeconds int    `yaml:"default_timer_seconds" env:"SESSION_DEFAULT_TIMER_SECONDS"`
	DefaultTool         string `yaml:"default_tool" env:"SESSION_DEFAULT_TOOL"`
}

type QuizConfig struct {
	PointsPerCorrect int           `yaml:"points_per_correct" env:"QUIZ_POINTS_PER_CORRECT"`
	MaxSpeedBonus    int           `yaml:"max_speed_bonus" env:"QUIZ_MAX_SPEED_BONUS"`
	BonusStep        time.Duration `yaml:"bonus_step" env:"QUIZ_BONUS_STEP"`
	Winners          int           `yaml:"winners" env:"QUIZ_WINNERS"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	cfg.setDefaults()

	return &cfg
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		res = "config/local.yaml"
	}

	return res
}

func (c *Config) setDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}

	if c.Realtime.MemberQueueSize <= 0 {
		c.Realtime.MemberQueueSize = 64
	}
	if c.Realtime.WriteTimeout <= 0 {
		c.Realtime.WriteTimeout = 10 * time.Second
	}
	if c.Realtime.PingInterval <= 0 {
		c.Realtime.PingInterval = 30 * time.Second
	}

	if c.Client.ServerURL == "" {
		c.Client.ServerURL = "ws://localhost:8080/api/realtime/ws"
	}
	if c.Client.ReconnectAttempts <= 0 {
		c.Client.ReconnectAttempts = 5
	}
	if c.Client.ReconnectBaseDelay <= 0 {
		c.Client.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.Client.OutboxSize <= 0 {
		c.Client.OutboxSize = 128
	}

	if c.Session.DefaultTimerSeconds <= 0 {
		c.Session.DefaultTimerSeconds = 300
	}
	if c.Session.DefaultTool == "" {
		c.Session.DefaultTool = "camera"
	}

	if c.Quiz.PointsPerCorrect <= 0 {
		c.Quiz.PointsPerCorrect = 10
	}
	if c.Quiz.MaxSpeedBonus <= 0 {
		c.Quiz.MaxSpeedBonus = 5
	}
	if c.Quiz.BonusStep <= 0 {
		c.Quiz.BonusStep = 2 * time.Second
	}
	if c.Quiz.Winners <= 0 {
		c.Quiz.Winners = 3
	}
}
