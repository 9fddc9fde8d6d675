// /internal/config/config.go
package config

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

func init() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, falling back to system environment variables")
	}
}

// Config is the process configuration, parsed from the environment.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN,required"`
	StoragePath  string `env:"STORAGE_PATH" envDefault:"audiolink.json"`

	// Each entry is "id@host:port:password" with an optional ":secure" flag.
	Nodes []string `env:"AUDIO_NODES" envSeparator:","`

	ReconnectAuto  bool          `env:"RECONNECT_AUTO" envDefault:"true"`
	ReconnectTries int           `env:"RECONNECT_TRIES" envDefault:"5"`
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`

	ResumeEnabled bool `env:"RESUME_ENABLED" envDefault:"true"`
	ResumeTimeout int  `env:"RESUME_TIMEOUT" envDefault:"60"`

	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile     string `env:"LOG_FILE"`
}

// NodeSpec is one parsed AUDIO_NODES entry.
type NodeSpec struct {
	ID       string
	Host     string
	Port     int
	Password string
	Secure   bool
}

func New() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// NodeSpecs parses the AUDIO_NODES entries.
func (c *Config) NodeSpecs() ([]NodeSpec, error) {
	specs := make([]NodeSpec, 0, len(c.Nodes))
	for _, raw := range c.Nodes {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		id, rest, ok := strings.Cut(raw, "@")
		if !ok {
			return nil, fmt.Errorf("node entry %q: missing id separator '@'", raw)
		}

		parts := strings.Split(rest, ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("node entry %q: want host:port:password", raw)
		}

		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("node entry %q: bad port: %w", raw, err)
		}

		spec := NodeSpec{
			ID:       id,
			Host:     parts[0],
			Port:     port,
			Password: parts[2],
		}
		if len(parts) > 3 && parts[3] == "secure" {
			spec.Secure = true
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
