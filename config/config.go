package config

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override, e.g. WASESSIOND_WEB_PORT.
const EnvPrefix = "WASESSIOND"

// DBConfig Database config
type DBConfig struct {
	Type     string `yaml:"type" json:"type"` // sqlite or postgres
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn" split_words:"true"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn" split_words:"true"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// SysConfig System config
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// WebConfig Control API config
type WebConfig struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	ApiPrefix string `yaml:"api_prefix" json:"api_prefix" split_words:"true"`
}

// LogConfig Logger config
type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable" split_words:"true"`
	Filename   string `yaml:"filename" json:"filename"`
}

// WhatsAppConfig controls the session orchestrator.
type WhatsAppConfig struct {
	// AuthDir holds one credential directory per paired phone number.
	AuthDir string `yaml:"auth_dir" json:"auth_dir" split_words:"true"`
	// PairingSettle is the wait between opening a pairing connection and requesting the code.
	PairingSettle time.Duration `yaml:"pairing_settle" json:"pairing_settle" split_words:"true"`
	// HandoffSettle is the wait between registration and closing the pairing connection.
	HandoffSettle time.Duration `yaml:"handoff_settle" json:"handoff_settle" split_words:"true"`
	// PairingTimeout closes a pairing connection that did not register in time.
	PairingTimeout time.Duration `yaml:"pairing_timeout" json:"pairing_timeout" split_words:"true"`
	// Version pins the client version ("2.3000.1023223821"); empty means resolve it.
	Version         string `yaml:"version" json:"version"`
	VersionURL      string `yaml:"version_url" json:"version_url" split_words:"true"`
	ClientName      string `yaml:"client_name" json:"client_name" split_words:"true"`
	RecoveryWorkers int    `yaml:"recovery_workers" json:"recovery_workers" split_words:"true"`
	ReconcileSpec   string `yaml:"reconcile_spec" json:"reconcile_spec" split_words:"true"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system" json:"system"`
	Web      WebConfig      `yaml:"web" json:"web"`
	Database DBConfig       `yaml:"database" json:"database"`
	Logger   LogConfig      `yaml:"logger" json:"logger"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp" json:"whatsapp"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) GetMetricsDir() string {
	return path.Join(c.System.Workdir, "data", "metrics")
}

// GetAuthDir returns the credential root, relative paths resolved under the workdir.
func (c *AppConfig) GetAuthDir() string {
	if path.IsAbs(c.WhatsApp.AuthDir) {
		return c.WhatsApp.AuthDir
	}
	return path.Join(c.System.Workdir, c.WhatsApp.AuthDir)
}

func (c *AppConfig) initDirs() error {
	for _, dir := range []string{c.GetLogDir(), c.GetDataDir(), c.GetMetricsDir(), c.GetAuthDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return nil
}

// DefaultAppConfig returns a fresh copy of the built-in configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "wasessiond",
			Location: "UTC",
			Workdir:  "/var/wasessiond",
			Debug:    false,
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DBConfig{
			Type:     "sqlite",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "wasessiond",
			User:     "postgres",
			Passwd:   "",
			MaxConn:  100,
			IdleConn: 10,
			Debug:    false,
		},
		Logger: LogConfig{
			Mode:       "development",
			FileEnable: true,
		},
		WhatsApp: WhatsAppConfig{
			AuthDir:         "auth",
			PairingSettle:   2 * time.Second,
			HandoffSettle:   time.Second,
			PairingTimeout:  3 * time.Minute,
			VersionURL:      "https://raw.githubusercontent.com/WhiskeySockets/Baileys/master/src/Defaults/baileys-version.json",
			ClientName:      "Chrome (Linux)",
			RecoveryWorkers: 8,
			ReconcileSpec:   "@every 1m",
		},
	}
}

// LoadConfig reads the YAML file (falling back to /etc/wasessiond.yml and then the
// defaults), loads an optional .env file and applies WASESSIOND_* overrides.
func LoadConfig(cfile string) (*AppConfig, error) {
	if cfile == "" {
		cfile = "wasessiond.yml"
	}
	if !fileExists(cfile) {
		cfile = "/etc/wasessiond.yml"
	}
	cfg := DefaultAppConfig()
	if fileExists(cfile) {
		data, err := os.ReadFile(cfile)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", cfile)
		}
	}
	if fileExists(".env") {
		if err := godotenv.Load(); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.Wrap(err, "apply environment")
	}
	// PORT is honoured for container platforms that only inject a bare port.
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" && os.Getenv(EnvPrefix+"_WEB_PORT") == "" {
		port, err := cast.ToIntE(p)
		if err != nil {
			return nil, errors.Wrap(err, "parse PORT")
		}
		cfg.Web.Port = port
	}
	if cfg.Logger.Filename == "" {
		cfg.Logger.Filename = path.Join(cfg.GetLogDir(), "wasessiond.log")
	}
	if err := cfg.initDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fileExists(file string) bool {
	info, err := os.Stat(file)
	return err == nil && !info.IsDir()
}
