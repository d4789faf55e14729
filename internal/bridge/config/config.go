// Package config loads callbridge settings. Later sources override earlier
// ones: built-in defaults, the YAML file, the environment, then flags given
// on the command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CALLBRIDGE_"

// ErrInvalid is returned when the loaded configuration cannot be used.
var ErrInvalid = errors.New("invalid configuration")

var prefixPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Switch is one switch instance reached over its control socket.
type Switch struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

// Config holds the callbridge configuration
type Config struct {
	// Listeners
	ListenAddr   string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	OutboundAddr string `yaml:"outbound_addr" env:"OUTBOUND_ADDR"` // Address switches connect back to
	APIAddr      string `yaml:"api_addr" env:"API_ADDR"`
	HealthAddr   string `yaml:"health_addr" env:"HEALTH_ADDR"`

	// Switch instances. SwitchSpec ("name=password@host:port,...") replaces
	// Switches when set.
	Switches   []Switch `yaml:"switches"`
	SwitchSpec string   `yaml:"-" env:"SWITCHES"`

	// Web hooks
	DefaultAnswerURL string        `yaml:"default_answer_url" env:"DEFAULT_ANSWER_URL"`
	DefaultHangupURL string        `yaml:"default_hangup_url" env:"DEFAULT_HANGUP_URL"`
	DefaultMethod    string        `yaml:"default_method" env:"DEFAULT_METHOD"`
	WebhookTimeout   time.Duration `yaml:"webhook_timeout" env:"WEBHOOK_TIMEOUT"`
	AuthToken        string        `yaml:"auth_token" env:"AUTH_TOKEN"`

	// Call flow
	VarPrefix    string        `yaml:"var_prefix" env:"VAR_PREFIX"`
	EventTimeout time.Duration `yaml:"event_timeout" env:"EVENT_TIMEOUT"`
	MaxRedirects int           `yaml:"max_redirects" env:"MAX_REDIRECTS"`
	RecordPath   string        `yaml:"record_path" env:"RECORD_PATH"`

	// Origination
	OriginateRate  float64 `yaml:"originate_rate" env:"ORIGINATE_RATE"`
	MaxOriginating int64   `yaml:"max_originating" env:"MAX_ORIGINATING"`

	// Lifecycle events
	NATSURL    string `yaml:"nats_url" env:"NATS_URL"`
	NATSPrefix string `yaml:"nats_prefix" env:"NATS_PREFIX"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:     "0.0.0.0:8084",
		OutboundAddr:   "127.0.0.1:8084",
		APIAddr:        "127.0.0.1:8088",
		HealthAddr:     "127.0.0.1:9095",
		Switches:       []Switch{{Name: "default", Addr: "127.0.0.1:8021", Password: "ClueCon"}},
		DefaultMethod:  "POST",
		WebhookTimeout: 10 * time.Second,
		VarPrefix:      "callbridge",
		EventTimeout:   30 * time.Second,
		MaxRedirects:   10,
		RecordPath:     "/tmp",
		OriginateRate:  10,
		MaxOriginating: 100,
		NATSPrefix:     "callbridge",
		LogLevel:       "info",
	}
}

// Load builds the configuration from args (without the program name) and
// the process environment.
func Load(args []string) (*Config, error) {
	cfg := Default()
	var path string

	fs := flag.NewFlagSet("callbridge", flag.ContinueOnError)
	fs.StringVar(&path, "config", os.Getenv(EnvPrefix+"CONFIG"), "Path to a YAML configuration file")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Outbound socket listen address")
	fs.StringVar(&cfg.OutboundAddr, "outbound", cfg.OutboundAddr, "Outbound socket address given to the switch")
	fs.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "HTTP API listen address")
	fs.StringVar(&cfg.HealthAddr, "health", cfg.HealthAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.SwitchSpec, "switches", "", "Switch instances as name=password@host:port, comma-separated")
	fs.StringVar(&cfg.DefaultAnswerURL, "answer-url", cfg.DefaultAnswerURL, "Default answer URL")
	fs.StringVar(&cfg.DefaultHangupURL, "hangup-url", cfg.DefaultHangupURL, "Default hangup URL")
	fs.StringVar(&cfg.DefaultMethod, "method", cfg.DefaultMethod, "Default HTTP method (GET or POST)")
	fs.DurationVar(&cfg.WebhookTimeout, "webhook-timeout", cfg.WebhookTimeout, "Web hook request timeout")
	fs.StringVar(&cfg.AuthToken, "auth-token", cfg.AuthToken, "Web hook signing token")
	fs.StringVar(&cfg.VarPrefix, "var-prefix", cfg.VarPrefix, "Channel variable prefix")
	fs.DurationVar(&cfg.EventTimeout, "event-timeout", cfg.EventTimeout, "Bound on waits for expected events")
	fs.IntVar(&cfg.MaxRedirects, "max-redirects", cfg.MaxRedirects, "Document redirects allowed per leg")
	fs.StringVar(&cfg.RecordPath, "record-path", cfg.RecordPath, "Directory for recordings")
	fs.Float64Var(&cfg.OriginateRate, "originate-rate", cfg.OriginateRate, "Originate attempts per second per switch")
	fs.Int64Var(&cfg.MaxOriginating, "max-originating", cfg.MaxOriginating, "Originate attempts in flight per switch")
	fs.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS URL for lifecycle events (empty disables)")
	fs.StringVar(&cfg.NATSPrefix, "nats-prefix", cfg.NATSPrefix, "NATS subject prefix")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	// Flags given explicitly win over the file and the environment.
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.SwitchSpec != "" {
		switches, err := ParseSwitches(cfg.SwitchSpec)
		if err != nil {
			return nil, err
		}
		cfg.Switches = switches
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if len(c.Switches) == 0 {
		return fmt.Errorf("%w: no switch instances", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Switches))
	for _, s := range c.Switches {
		if s.Name == "" || s.Addr == "" {
			return fmt.Errorf("%w: switch needs a name and an address", ErrInvalid)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate switch %q", ErrInvalid, s.Name)
		}
		seen[s.Name] = true
	}
	if c.ListenAddr == "" || c.OutboundAddr == "" {
		return fmt.Errorf("%w: listen and outbound addresses are required", ErrInvalid)
	}
	if !prefixPattern.MatchString(c.VarPrefix) {
		return fmt.Errorf("%w: variable prefix %q", ErrInvalid, c.VarPrefix)
	}
	switch strings.ToUpper(c.DefaultMethod) {
	case "GET", "POST":
	default:
		return fmt.Errorf("%w: method %q", ErrInvalid, c.DefaultMethod)
	}
	if c.MaxRedirects <= 0 || c.OriginateRate <= 0 || c.MaxOriginating <= 0 {
		return fmt.Errorf("%w: limits must be positive", ErrInvalid)
	}
	return nil
}

// ParseSwitches parses a comma-separated list of name=password@host:port
// entries. The password part may be omitted.
func ParseSwitches(s string) ([]Switch, error) {
	var out []Switch
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, rest, ok := strings.Cut(p, "=")
		if !ok || name == "" || rest == "" {
			return nil, fmt.Errorf("%w: switch entry %q", ErrInvalid, p)
		}
		sw := Switch{Name: strings.TrimSpace(name), Addr: rest}
		if i := strings.LastIndex(rest, "@"); i >= 0 {
			sw.Password, sw.Addr = rest[:i], rest[i+1:]
		}
		if sw.Addr == "" {
			return nil, fmt.Errorf("%w: switch entry %q", ErrInvalid, p)
		}
		out = append(out, sw)
	}
	return out, nil
}
