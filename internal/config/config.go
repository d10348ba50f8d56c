package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port       string
	LogMode    string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	JWTSecret    string
	JWTExpiresIn string // minutes

	// Externally reachable base URL of this player, used for fetch URLs and
	// the LRS proxy endpoint handed to launched AUs.
	APIBaseURL string

	// Upstream LRS.
	LRSEndpoint string
	LRSUsername string
	LRSPassword string

	// Seconds a launch token stays fetchable after the session is created.
	TokenTTLSeconds string

	// Seed tenant (created when no tenant exists).
	TenantCode      string
	TenantName      string
	TenantApiKey    string
	TenantApiSecret string

	// Optional demo course JSON, imported for the seed tenant on startup.
	CourseSeedFile string
}

func Load() *Config {
	return &Config{
		Port:       getenv("PORT", "8080"),
		LogMode:    getenv("LOG_MODE", "dev"),
		DBHost:     getenv("DB_HOST", "localhost"),
		DBPort:     getenv("DB_PORT", "5432"),
		DBUser:     getenv("DB_USER", "postgres"),
		DBPassword: getenv("DB_PASSWORD", "postgres"),
		DBName:     getenv("DB_NAME", "cmi5_player"),
		DBSSLMode:  getenv("DB_SSLMODE", "disable"),

		JWTSecret:    getenv("JWT_SECRET", "supersecret_change_me"),
		JWTExpiresIn: getenv("JWT_EXPIRES_IN", "60"),

		APIBaseURL: getenv("API_BASE_URL", "http://localhost:8080"),

		LRSEndpoint: getenv("LRS_ENDPOINT", "http://localhost:8081/xapi"),
		LRSUsername: getenv("LRS_USERNAME", ""),
		LRSPassword: getenv("LRS_PASSWORD", ""),

		TokenTTLSeconds: getenv("TOKEN_TTL_SECONDS", "300"),

		TenantCode:      getenv("TENANT_CODE", "default"),
		TenantName:      getenv("TENANT_NAME", "Default Tenant"),
		TenantApiKey:    getenv("TENANT_API_KEY", ""),
		TenantApiSecret: getenv("TENANT_API_SECRET", ""),

		CourseSeedFile: getenv("COURSE_SEED_FILE", ""),
	}
}

// TokenTTL returns the configured token lifetime in seconds.
func (c *Config) TokenTTL() int {
	n, err := strconv.Atoi(c.TokenTTLSeconds)
	if err != nil || n <= 0 {
		return 300
	}
	return n
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
