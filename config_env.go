package authgate

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// LoadConfig builds a Config from AUTHGATE_-prefixed environment
// variables, with the documented defaults for anything unset. Key
// material (AUTHGATE_JWT_PRIVATE_KEY and friends) is read as raw bytes;
// pair with godotenv in development to keep keys out of shell history.
func LoadConfig() (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "AUTHGATE_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if v := os.Getenv("AUTHGATE_JWT_PRIVATE_KEY"); v != "" {
		cfg.JWT.PrivateKey = []byte(v)
	}
	if v := os.Getenv("AUTHGATE_JWT_PUBLIC_KEY"); v != "" {
		cfg.JWT.PublicKey = []byte(v)
	}
	return cfg, nil
}
