// Package config handles loading and validating electricd's
// configuration from a JSON file: PostgreSQL connection details, the
// replication slot/publication pair, the websocket listen address, and
// the JWT secret used to verify Satellite authenticate RPCs.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// Config holds all application configuration loaded from electric.json.
// The file is read once at startup; changes require a restart.
type Config struct {
	// DBConn is the PostgreSQL host:port (e.g., "postgres:5432").
	DBConn string `json:"dbConn"`

	// DBName is the PostgreSQL database name to replicate from.
	DBName string `json:"dbName"`

	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser"`

	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass"`

	// SlotName is the logical replication slot electricd creates and
	// consumes.
	SlotName string `json:"slotName"`

	// Publication is the PostgreSQL publication exposing the electrified
	// tables.
	Publication string `json:"publication"`

	// ListenAddr is the websocket listen address (default ":5133").
	ListenAddr string `json:"listenAddr"`

	// JWTSecret is the shared HMAC secret electricd uses to verify
	// Satellite authenticate tokens.
	JWTSecret string `json:"jwtSecret"`

	// JWTIssuer is the expected "iss" claim on Satellite tokens.
	JWTIssuer string `json:"jwtIssuer"`
}

// Load reads and parses configuration from the given file path.
// It returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":5133"
	}
	if cfg.SlotName == "" {
		cfg.SlotName = "electric_slot"
	}
	if cfg.Publication == "" {
		cfg.Publication = "electric_publication"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.JWTSecret == "":
		return fmt.Errorf("config: jwtSecret is required")
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}
