package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/recording"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/session"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/subscription"
)

//DefaultPath is read when OPCUA_GATEWAY_CONFIG is not set
const DefaultPath = "config/gateway.yaml"

//Server holds the http listener settings
type Server struct {
	Port string `yaml:"port"`
}

//Subscriptions tunes the polling loops
type Subscriptions struct {
	LossThreshold int `yaml:"lossThreshold"`
}

//Registry tunes the node registry
type Registry struct {
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

//Recording tunes value recording and retention
type Recording struct {
	DefaultUserID   string        `yaml:"defaultUserID"`
	RetentionDays   int           `yaml:"retentionDays"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	QueueSize       int           `yaml:"queueSize"`
}

//Database selects the gorm driver
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

//Config is the complete gateway configuration
type Config struct {
	Server        Server         `yaml:"server"`
	OPCUA         session.Config `yaml:"opcua"`
	Subscriptions Subscriptions  `yaml:"subscriptions"`
	Registry      Registry       `yaml:"registry"`
	Recording     Recording      `yaml:"recording"`
	Database      Database       `yaml:"database"`
	SettingsFile  string         `yaml:"settingsFile"`
}

//Default returns the configuration used when no file is present
func Default() Config {
	return Config{
		Server:        Server{Port: "8880"},
		OPCUA:         session.DefaultConfig(),
		Subscriptions: Subscriptions{LossThreshold: subscription.DefaultLossThreshold},
		Registry:      Registry{RefreshInterval: 5 * time.Second},
		Recording: Recording{
			DefaultUserID:   "default",
			RetentionDays:   recording.DefaultRetention,
			CleanupInterval: 24 * time.Hour,
			QueueSize:       1024,
		},
		Database:     Database{Driver: "postgres"},
		SettingsFile: "data/opcua-settings.yaml",
	}
}

//Load reads the YAML file named by OPCUA_GATEWAY_CONFIG and applies environment overrides
func Load() (Config, error) {
	path := os.Getenv("OPCUA_GATEWAY_CONFIG")
	if path == "" {
		path = DefaultPath
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return cfg, err
	}

	cfg.applyEnvironment(os.LookupEnv)

	return cfg, cfg.Validate()
}

//LoadFile reads path on top of the defaults. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.OPCUA = cfg.OPCUA.WithDefaults(session.DefaultConfig())
	if cfg.OPCUA.Endpoint == "" {
		cfg.OPCUA.Endpoint = session.DefaultConfig().Endpoint
	}

	return cfg, nil
}

func (cfg *Config) applyEnvironment(lookup func(string) (string, bool)) {
	if port, ok := lookup("SERVICE_PORT"); ok && port != "" {
		cfg.Server.Port = port
	}

	if driver, ok := lookup("OPCUA_GW_DB_DRIVER"); ok && driver != "" {
		cfg.Database.Driver = driver
	}

	if dsn, ok := lookup("OPCUA_GW_DB_DSN"); ok {
		cfg.Database.DSN = dsn
	}

	if file, ok := lookup("OPCUA_GW_SETTINGS_FILE"); ok && file != "" {
		cfg.SettingsFile = file
	}

	if endpoint, ok := lookup("OPCUA_GW_ENDPOINT"); ok && endpoint != "" {
		cfg.OPCUA.Endpoint = endpoint
	}

	if days, ok := lookup("OPCUA_GW_RETENTION_DAYS"); ok {
		if n, err := strconv.Atoi(days); err == nil {
			cfg.Recording.RetentionDays = n
		}
	}
}

//Validate rejects values the gateway cannot run with
func (cfg Config) Validate() error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	if cfg.Server.Port == "" {
		return errors.New("server port must not be empty")
	}

	if cfg.Subscriptions.LossThreshold <= 0 {
		return fmt.Errorf("subscriptions.lossThreshold must be positive, got %d", cfg.Subscriptions.LossThreshold)
	}

	if cfg.Recording.RetentionDays <= 0 {
		return fmt.Errorf("recording.retentionDays must be positive, got %d", cfg.Recording.RetentionDays)
	}

	if cfg.Recording.QueueSize <= 0 {
		return fmt.Errorf("recording.queueSize must be positive, got %d", cfg.Recording.QueueSize)
	}

	return nil
}
