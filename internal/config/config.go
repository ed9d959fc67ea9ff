package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is the full server configuration, loaded from a YAML file with
// selected overrides taken from the environment.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Paths  PathsConfig  `yaml:"paths"`
	Auth   AuthConfig   `yaml:"auth"`
}

type ServerConfig struct {
	Bind     string `yaml:"bind"`
	Port     int    `yaml:"port"`
	CertFile string `yaml:"cert"`
	KeyFile  string `yaml:"key"`
}

type PathsConfig struct {
	Database  string `yaml:"database"`
	Artifacts string `yaml:"artifacts"`
	UserList  string `yaml:"user_list"`
	ExamSpec  string `yaml:"exam_spec"`
	Classlist string `yaml:"classlist"`
}

type AuthConfig struct {
	// MasterToken masks stored session tokens. A fresh one is generated
	// when empty or not a valid UUID.
	MasterToken string `yaml:"master_token"`
	BcryptCost  int    `yaml:"bcrypt_cost"`
}

// Load reads the YAML config at path and applies environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := &Config{
		Server: ServerConfig{Bind: "0.0.0.0", Port: 41984},
	}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COORDINATOR_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("COORDINATOR_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("COORDINATOR_MASTER_TOKEN"); v != "" {
		c.Auth.MasterToken = v
	}
}

// Validate checks that every path the server cannot run without is set.
func (c *Config) Validate() error {
	if c.Paths.Database == "" {
		return fmt.Errorf("config: paths.database is required")
	}
	if c.Paths.Artifacts == "" {
		return fmt.Errorf("config: paths.artifacts is required")
	}
	if c.Paths.UserList == "" {
		return fmt.Errorf("config: paths.user_list is required")
	}
	if c.Paths.ExamSpec == "" {
		return fmt.Errorf("config: paths.exam_spec is required")
	}
	if c.Server.CertFile == "" || c.Server.KeyFile == "" {
		return fmt.Errorf("config: server.cert and server.key are required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	return nil
}

// Addr returns the bind address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
