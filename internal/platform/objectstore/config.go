package objectstore

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Region    string `koanf:"region"`
	UseSSL    bool   `koanf:"use_ssl"`
	Bucket    string `koanf:"bucket"`
}

func DefaultConfig() Config {
	return Config{
		Endpoint:  "localhost:9000",
		AccessKey: "cineforge",
		SecretKey: "cineforgeminio",
		Region:    "us-east-1",
		Bucket:    "cineforge-artifacts",
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("objectstore.endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("objectstore.access_key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("objectstore.secret_key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("objectstore.region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("objectstore.bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("objectstore.endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
