package config

import (
	"os"
	"strconv"
)

type Config struct {
	Addr           string
	DatabaseURL    string
	MigrationsDir  string
	DataDir        string
	CheckpointsDir string
	CORSOrigin     string
	MeiliURL       string
	MeiliMasterKey string
	// MinIO Configuration
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Redis Configuration
	RedisURL string
	// MDNS advertises the daemon on the local network when true.
	MDNS bool
}

// Load reads the environment. DATABASE_URL and REDIS_URL are empty by
// default, which selects the single-node local adapters (bbolt file
// store, in-process presence); pointing them at real backends switches
// the daemon to shared mode.
func Load() Config {
	return Config{
		Addr:           getenv("EASEL_ADDR", ":8787"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		MigrationsDir:  getenv("EASEL_MIGRATIONS_DIR", "./db/migrations"),
		DataDir:        getenv("EASEL_DATA_DIR", "./data"),
		CheckpointsDir: getenv("EASEL_CHECKPOINTS_DIR", "./data/checkpoints"),
		CORSOrigin:     getenv("EASEL_CORS_ORIGIN", "*"),
		// Meilisearch - empty by default, text search falls back to the
		// database (or is disabled in local mode)
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		// MinIO - empty by default, checkpoint archival disabled if not configured
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "easel-checkpoints"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),
		RedisURL:       getenv("REDIS_URL", ""),
		MDNS:           getenvBool("EASEL_MDNS", false),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
