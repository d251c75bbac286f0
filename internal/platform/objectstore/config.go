package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/corral-labs/corral-go/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("CORRAL_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("CORRAL_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("CORRAL_MINIO_ACCESS_KEY", "corral"),
		SecretKey: env.String("CORRAL_MINIO_SECRET_KEY", "corralminio"),
		Region:    env.String("CORRAL_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("CORRAL_MINIO_BUCKET", "dataset"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("imports bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
