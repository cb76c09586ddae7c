package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults applied when the environment does not override them.
const (
	DefaultMeshDomain = "mesh.local"
	DefaultTenant     = "default"

	DefaultMaxAttachments     = 10
	DefaultMaxAttachmentSize  = 25 * 1024 * 1024  // 25 MiB per file
	DefaultMaxTotalAttachment = 100 * 1024 * 1024 // 100 MiB per message
)

// Config holds all configuration for the messaging engine. Environment
// resolution happens only here; everything downstream takes explicit values.
type Config struct {
	Home   string // root directory holding one subdirectory per identity
	Agent  string // name of the current identity
	Tenant string
	Env    string

	MeshDomain  string   // provider domain of the local mesh
	MeshURL     string   // API base URL of the mesh orchestrator
	MeshAliases []string // legacy provider domains still considered local

	MaxAttachments     int
	MaxAttachmentSize  int64
	MaxTotalAttachment int64

	HTTPTimeout time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	home := os.Getenv("AGENTMAIL_HOME")
	if home == "" {
		userHome, _ := os.UserHomeDir()
		home = filepath.Join(userHome, ".agentmail")
	}

	cfg := &Config{
		Home:               home,
		Agent:              os.Getenv("AGENTMAIL_AGENT"),
		Env:                getEnv("ENV", "development"),
		MeshDomain:         getEnv("AGENTMAIL_MESH_DOMAIN", DefaultMeshDomain),
		MeshURL:            os.Getenv("AGENTMAIL_MESH_URL"),
		MaxAttachments:     getEnvInt("AGENTMAIL_MAX_ATTACHMENTS", DefaultMaxAttachments),
		MaxAttachmentSize:  getEnvInt64("AGENTMAIL_MAX_ATTACHMENT_SIZE", DefaultMaxAttachmentSize),
		MaxTotalAttachment: getEnvInt64("AGENTMAIL_MAX_TOTAL_ATTACHMENT", DefaultMaxTotalAttachment),
		HTTPTimeout:        getEnvDuration("AGENTMAIL_HTTP_TIMEOUT", 30*time.Second),
	}

	cfg.Tenant = resolveTenant(home)

	// Parse legacy aliases (comma-separated provider domains)
	if aliases := os.Getenv("AGENTMAIL_MESH_ALIASES"); aliases != "" {
		for _, entry := range strings.Split(aliases, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.MeshAliases = append(cfg.MeshAliases, entry)
			}
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IdentityDir returns the directory for the named identity.
func (c *Config) IdentityDir(name string) string {
	return filepath.Join(c.Home, name)
}

// resolveTenant determines the caller's tenant: environment variable first,
// then the organization file, then the fixed default.
func resolveTenant(home string) string {
	if t := os.Getenv("AGENTMAIL_TENANT"); t != "" {
		return t
	}

	orgFile := os.Getenv("AGENTMAIL_ORG_FILE")
	if orgFile == "" {
		orgFile = filepath.Join(home, "org.json")
	}
	if data, err := os.ReadFile(orgFile); err == nil {
		var org struct {
			Tenant string `json:"tenant"`
		}
		if json.Unmarshal(data, &org) == nil && org.Tenant != "" {
			return org.Tenant
		}
	}

	return DefaultTenant
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
