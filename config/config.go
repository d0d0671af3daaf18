package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type TableRef struct {
	Schema string `yaml:"schema"`
	Name   string `yaml:"name"`
}

// FullName is the warehouse name of the table, schema.name.
func (t TableRef) FullName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

type Config struct {
	Postgres struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		User        string `yaml:"user"`
		Password    string `yaml:"password"`
		Database    string `yaml:"database"`
		Slot        string `yaml:"slot"`
		Publication string `yaml:"publication"`
	} `yaml:"postgres"`

	Tables []TableRef `yaml:"tables"`

	Warehouse struct {
		Path string `yaml:"path"`
		S3   *struct {
			Bucket    string `yaml:"bucket"`
			Prefix    string `yaml:"prefix"`
			Region    string `yaml:"region"`
			Endpoint  string `yaml:"endpoint"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
		} `yaml:"s3"`
	} `yaml:"warehouse"`

	Catalog struct {
		Type    string   `yaml:"type"` // memory, postgres or zookeeper
		DSN     string   `yaml:"dsn"`
		Servers []string `yaml:"servers"`
		Root    string   `yaml:"root"`
	} `yaml:"catalog"`

	Commit struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"commit"`

	Scan struct {
		Parallelism int `yaml:"parallelism"`
	} `yaml:"scan"`

	Logging struct {
		Level  string `yaml:"level"`
		SeqURL string `yaml:"seq_url"`
	} `yaml:"logging"`

	Proxy struct {
		Port int `yaml:"port"`
	} `yaml:"proxy"`

	API struct {
		Port int `yaml:"port"`
	} `yaml:"api"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Catalog.Type == "" {
		c.Catalog.Type = "memory"
	}
	if c.Catalog.Root == "" {
		c.Catalog.Root = "/arctic"
	}
	if c.Commit.MaxAttempts == 0 {
		c.Commit.MaxAttempts = 4
	}
	if c.Scan.Parallelism == 0 {
		c.Scan.Parallelism = 4
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
}

func (c *Config) Validate() error {
	if c.Warehouse.Path == "" && c.Warehouse.S3 == nil {
		return fmt.Errorf("warehouse.path or warehouse.s3 is required")
	}
	if c.Warehouse.S3 != nil && c.Warehouse.S3.Bucket == "" {
		return fmt.Errorf("warehouse.s3.bucket is required")
	}
	switch c.Catalog.Type {
	case "memory":
	case "postgres":
		if c.Catalog.DSN == "" {
			return fmt.Errorf("catalog.dsn is required for the postgres catalog")
		}
	case "zookeeper":
		if len(c.Catalog.Servers) == 0 {
			return fmt.Errorf("catalog.servers is required for the zookeeper catalog")
		}
	default:
		return fmt.Errorf("unknown catalog type %q", c.Catalog.Type)
	}
	if c.Commit.MaxAttempts < 1 {
		return fmt.Errorf("commit.max_attempts must be at least 1, got %d", c.Commit.MaxAttempts)
	}
	if c.Scan.Parallelism < 1 {
		return fmt.Errorf("scan.parallelism must be at least 1, got %d", c.Scan.Parallelism)
	}
	return nil
}
