package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/hutchcloud/hutch/pkg/namespace"
	"github.com/hutchcloud/hutch/pkg/types"
)

// Duration is a time.Duration that unmarshals from YAML duration
// strings ("30s", "10m") as well as bare nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Server is the hutch server configuration. Values come from an
// optional YAML file; the CLI layers flag overrides on top.
type Server struct {
	// Listen is the API bind address.
	Listen string `yaml:"listen"`

	// DataDir holds the instance registry and key store databases.
	DataDir string `yaml:"dataDir"`

	// Token is the static bearer token required on /v1 routes. Empty
	// leaves the API open; only do that on loopback dev setups.
	Token string `yaml:"token"`

	// AdvertiseURL is the base URL provisioned boxes use to reach the
	// API, written into each agent's environment. Empty is fine for
	// single-host dev; real deployments set the external address of
	// Listen.
	AdvertiseURL string `yaml:"advertiseURL"`

	// RolesDir is scanned for role manifests on startup. Empty means
	// builtins only.
	RolesDir string `yaml:"rolesDir"`

	// Dev wires the in-memory fake provider instead of real compute.
	Dev bool `yaml:"dev"`

	Log Log `yaml:"log"`

	// Lifecycle windows. Zero values fall through to each component's
	// own defaults.
	ProvisionTimeout  Duration `yaml:"provisionTimeout"`
	BootstrapAttempts int      `yaml:"bootstrapAttempts"`
	CaptureTimeout    Duration `yaml:"captureTimeout"`

	// VisibilityTimeout is the delivery-queue redelivery window.
	VisibilityTimeout Duration `yaml:"visibilityTimeout"`

	Janitor Janitor `yaml:"janitor"`
}

// Log selects the process log output.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Janitor schedules the background cleanup pass.
type Janitor struct {
	// Schedule is a cron expression; descriptors like "@every 5m"
	// work too. Empty disables the janitor.
	Schedule string `yaml:"schedule"`

	// Retention is how long terminated instance records stay in the
	// registry before the janitor prunes them. Zero keeps them
	// forever.
	Retention Duration `yaml:"retention"`
}

// DefaultServer returns the configuration a bare `hutch server` runs
// with.
func DefaultServer() *Server {
	return &Server{
		Listen:            ":8080",
		DataDir:           "/var/lib/hutch",
		Log:               Log{Level: "info"},
		VisibilityTimeout: Duration(30 * time.Second),
		Janitor: Janitor{
			Schedule:  "@every 5m",
			Retention: Duration(24 * time.Hour),
		},
	}
}

// LoadServer reads a server configuration file over the defaults.
// An empty path returns the defaults unchanged.
func LoadServer(path string) (*Server, error) {
	cfg := DefaultServer()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is runnable.
func (s *Server) Validate() error {
	if s.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if s.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	switch s.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", s.Log.Level)
	}
	if s.VisibilityTimeout < 0 {
		return fmt.Errorf("visibility timeout must not be negative")
	}
	return nil
}

// Agent is the hutch-agent daemon configuration, read from HUTCH_*
// environment variables. Agents run on the boxes themselves, where the
// environment comes from the unit file the bootstrap role installs;
// there are no flags to manage.
type Agent struct {
	// ServerURL is the control-plane API base URL.
	ServerURL string `envconfig:"SERVER_URL" default:"http://localhost:8080"`

	// Token authenticates against /v1 routes.
	Token string `envconfig:"TOKEN"`

	// Namespace, Role and Ordinal name this box's identity.
	Namespace string `envconfig:"NAMESPACE" default:"/"`
	Role      string `envconfig:"ROLE" required:"true"`
	Ordinal   int    `envconfig:"ORDINAL" default:"0"`

	// Groups are the key scopes this box listens on, comma separated.
	Groups []string `envconfig:"GROUPS" default:"default"`

	// KeyFile is the authorized_keys path the agent maintains.
	KeyFile string `envconfig:"KEY_FILE" required:"true"`

	// RefreshInterval bounds how stale a scope may get before the
	// agent forces a snapshot resync.
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"5m"`

	// BatchSize and WaitTime shape each long-poll receive.
	BatchSize int           `envconfig:"BATCH_SIZE" default:"10"`
	WaitTime  time.Duration `envconfig:"WAIT_TIME" default:"20s"`

	// MetricsListen, when set, serves Prometheus metrics on a local
	// address.
	MetricsListen string `envconfig:"METRICS_LISTEN"`

	// LogLevel and LogJSON select the agent's log output.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON  bool   `envconfig:"LOG_JSON" default:"false"`
}

// LoadAgent reads agent settings from the environment.
func LoadAgent() (*Agent, error) {
	var cfg Agent
	if err := envconfig.Process("HUTCH", &cfg); err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the identity fields; envconfig already enforced
// presence and types.
func (a *Agent) Validate() error {
	if a.ServerURL == "" {
		return fmt.Errorf("server URL is required")
	}
	if err := namespace.Validate(a.Namespace); err != nil {
		return err
	}
	if err := namespace.ValidateRole(a.Role); err != nil {
		return err
	}
	if a.Ordinal < 0 {
		return fmt.Errorf("ordinal must not be negative")
	}
	if a.KeyFile == "" {
		return fmt.Errorf("authorized keys path is required")
	}
	return nil
}

// Identity is the box identity the agent subscribes as.
func (a *Agent) Identity() types.Identity {
	return types.Identity{Namespace: a.Namespace, Role: a.Role, Ordinal: a.Ordinal}
}
