package server

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/doodle/pkg/nnload"
)

type Config struct {
	Listen          string              `json:"listen"`          // eg ":8080". Ignored when HTTPS is configured.
	HTTPS           *HTTPSConfig        `json:"https"`           // If not nil, serve HTTPS on :443 with automatic certificates
	Model           nnload.ModelOptions `json:"model"`           // Where to find (or download) the model
	Icons           map[string]string   `json:"icons"`           // Overrides of the built-in class name -> icon table
	Normalize       NormalizeConfig     `json:"normalize"`       // Image preprocessing
	MaxRequestBytes int64               `json:"maxRequestBytes"` // Maximum size of a predict request body, or websocket message
	MaxCanvasSide   int                 `json:"maxCanvasSide"`   // Maximum width or height of a drawing
	RateLimit       RateLimitConfig     `json:"rateLimit"`       // Per-IP limit on the predict endpoints
	CorsOrigins     []string            `json:"corsOrigins"`     // Origins that may call the API from a browser. "*" allows any origin.
	DebugSnapshots  *SnapshotConfig     `json:"debugSnapshots"`  // If not nil, save the last drawing and its normalized image
	History         *HistoryConfig      `json:"history"`         // If not nil, record every prediction in a database
}

type HTTPSConfig struct {
	Domain        string `json:"domain"`        // eg "doodle.example.com"
	Email         string `json:"email"`         // Contact address for the ACME account
	CertDirectory string `json:"certDirectory"` // Where to store certificates. Empty uses the certmagic default.
}

type NormalizeConfig struct {
	Invert bool `json:"invert"` // Set this if the canvas draws dark strokes on a light background
}

type RateLimitConfig struct {
	Requests      int `json:"requests"`      // Maximum number of requests per window. Zero disables rate limiting.
	WindowSeconds int `json:"windowSeconds"` // Length of the window
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type SnapshotConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
	KeepAll    bool              `json:"keepAll"` // Use unique names for each request, instead of overwriting the previous snapshot
	MaxKeep    int               `json:"maxKeep"` // With keepAll, delete all but the newest maxKeep drawings. Zero keeps everything.
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
	Public bool   `json:"public"` // Whether the bucket is public
}

type HistoryConfig struct {
	DB            dbh.DBConfig `json:"db"`            // eg {"driver": "sqlite3", "database": "history.sqlite"}
	RetentionDays int          `json:"retentionDays"` // Delete predictions older than this. Zero keeps everything.
}

func DefaultConfig() *Config {
	return &Config{
		Listen:          ":8080",
		Model:           nnload.DefaultModelOptions(),
		MaxRequestBytes: 64 * 1024 * 1024,
		MaxCanvasSide:   4096,
		RateLimit: RateLimitConfig{
			Requests:      20,
			WindowSeconds: 1,
		},
		CorsOrigins: []string{"http://localhost:5173"},
	}
}

// LoadConfig reads a JSON config file. Missing fields keep their default values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	cfgB, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfgB, cfg); err != nil {
		return nil, fmt.Errorf("Error parsing config file %v: %w", configFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config file %v: %w", configFile, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("maxRequestBytes must be positive")
	}
	if c.MaxCanvasSide <= 0 {
		return fmt.Errorf("maxCanvasSide must be positive")
	}
	if c.RateLimit.Requests < 0 || (c.RateLimit.Requests > 0 && c.RateLimit.WindowSeconds <= 0) {
		return fmt.Errorf("rateLimit needs a positive number of requests and windowSeconds")
	}
	if c.HTTPS != nil && c.HTTPS.Domain == "" {
		return fmt.Errorf("https.domain is required")
	}
	if c.DebugSnapshots != nil && c.DebugSnapshots.Filesystem == nil && c.DebugSnapshots.GCS == nil {
		return fmt.Errorf("debugSnapshots needs either 'filesystem' or 'gcs'")
	}
	if c.History != nil && c.History.RetentionDays < 0 {
		return fmt.Errorf("history.retentionDays may not be negative")
	}
	if c.DebugSnapshots != nil && c.DebugSnapshots.MaxKeep < 0 {
		return fmt.Errorf("debugSnapshots.maxKeep may not be negative")
	}
	return nil
}
