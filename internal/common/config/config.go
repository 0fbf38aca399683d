package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"password"`
	Name     string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

type MQ struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	Exchange string `yaml:"exchange"`
}

// API is both the table-api listener and the client's view of it.
type API struct {
	Port    int           `yaml:"port"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Gateway struct {
	Port        int    `yaml:"port"`
	TokenSecret string `yaml:"token_secret"`
}

type Realtime struct {
	Transport         string        `yaml:"transport"` // websocket | amqp
	URL               string        `yaml:"url"`
	Namespace         string        `yaml:"namespace"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	MaxAttempts       int           `yaml:"max_attempts"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
}

type Storage struct {
	Driver  string `yaml:"driver"` // memory | sqlite | postgres
	Path    string `yaml:"path"`
	Session string `yaml:"session"`
}

type Session struct {
	RedirectDelay time.Duration `yaml:"redirect_delay"`
	MuteDuration  time.Duration `yaml:"mute_duration"`
}

type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type App struct {
	Database DB       `yaml:"database"`
	Rabbit   MQ       `yaml:"rabbitmq"`
	API      API      `yaml:"api"`
	Gateway  Gateway  `yaml:"gateway"`
	Realtime Realtime `yaml:"realtime"`
	Storage  Storage  `yaml:"storage"`
	Session  Session  `yaml:"session"`
	Logging  Logging  `yaml:"logging"`
}

// Default returns the configuration used when a key is missing from the file.
func Default() App {
	return App{
		Database: DB{Port: 5432, SSLMode: "disable", MaxConns: 10},
		Rabbit:   MQ{Port: 5672, VHost: "/", Exchange: "table_events"},
		API:      API{Port: 3000, BaseURL: "http://localhost:3000", Timeout: 10 * time.Second},
		Gateway:  Gateway{Port: 3001},
		Realtime: Realtime{
			Transport:         "websocket",
			URL:               "ws://localhost:3001/ws",
			Namespace:         "table",
			ReconnectDelay:    3 * time.Second,
			MaxReconnectDelay: 30 * time.Second,
			MaxAttempts:       5,
			HandshakeTimeout:  10 * time.Second,
		},
		Storage: Storage{Driver: "sqlite", Path: "table-session.db", Session: "default"},
		Session: Session{RedirectDelay: 2 * time.Second, MuteDuration: 30 * time.Minute},
		Logging: Logging{Level: "info"},
	}
}

func Load(path string) (App, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return App{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (App, error) {
	a := Default()
	if err := yaml.Unmarshal(b, &a); err != nil {
		return App{}, fmt.Errorf("parse config: %w", err)
	}
	a.applyEnv()
	if err := a.Validate(); err != nil {
		return App{}, err
	}
	return a, nil
}

// applyEnv lets secrets stay out of the YAML file.
func (a *App) applyEnv() {
	if v := os.Getenv("TABLE_SESSION_DB_PASSWORD"); v != "" {
		a.Database.Pass = v
	}
	if v := os.Getenv("TABLE_SESSION_RABBITMQ_PASSWORD"); v != "" {
		a.Rabbit.Pass = v
	}
	if v := os.Getenv("TABLE_SESSION_TOKEN_SECRET"); v != "" {
		a.Gateway.TokenSecret = v
	}
	if v := os.Getenv("TABLE_SESSION_API_URL"); v != "" {
		a.API.BaseURL = v
	}
}

func (a App) Validate() error {
	var errs []error
	switch a.Realtime.Transport {
	case "websocket", "amqp":
	default:
		errs = append(errs, fmt.Errorf("realtime.transport: unknown %q", a.Realtime.Transport))
	}
	switch a.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", a.Storage.Driver))
	}
	if a.Storage.Driver == "sqlite" && strings.TrimSpace(a.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required for sqlite"))
	}
	if a.Realtime.MaxAttempts < 1 {
		errs = append(errs, errors.New("realtime.max_attempts must be >= 1"))
	}
	if a.Realtime.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("realtime.reconnect_delay must be positive"))
	}
	if a.Session.MuteDuration <= 0 {
		errs = append(errs, errors.New("session.mute_duration must be positive"))
	}
	return errors.Join(errs...)
}

// RequireDatabase is checked only by the commands that open a pool.
func (a App) RequireDatabase() error {
	if a.Database.Host == "" || a.Database.User == "" || a.Database.Name == "" {
		return errors.New("invalid config: database host/user/database are required")
	}
	return nil
}

func (a App) RequireRabbit() error {
	if a.Rabbit.Host == "" || a.Rabbit.User == "" {
		return errors.New("invalid config: rabbitmq host/user are required")
	}
	return nil
}

func FindConfig() (string, error) {
	candidates := []string{"config.yaml", "config.yml", "deploy/config.example.yaml"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fs.ErrNotExist
}
