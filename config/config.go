package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Relay    RelayConfig
	HLS      HLSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	PublicBaseURL      string // for absolute playlist URLs; empty = derive from request
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
// An empty Addr disables the cross-instance status bridge.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds viewer token validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// RelayConfig holds WebSocket relay settings.
type RelayConfig struct {
	AuthTimeout time.Duration // bound on credential/device lookups during admission
}

// HLSConfig holds segmenting transcoder settings.
type HLSConfig struct {
	OutputDir      string
	FFmpegPath     string
	SegmentSeconds int
	PlaylistSize   int
	InputBuffer    int           // frames buffered toward ffmpeg stdin
	IdleTimeout    time.Duration // no-data window before the reaper stops a pipeline
	SweepInterval  time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			PublicBaseURL:      getEnv("PUBLIC_BASE_URL", ""),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "costawatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		Relay: RelayConfig{
			AuthTimeout: getEnvDuration("RELAY_AUTH_TIMEOUT", 5*time.Second),
		},
		HLS: HLSConfig{
			OutputDir:      getEnv("HLS_OUTPUT_DIR", "hls-streams"),
			FFmpegPath:     getEnv("FFMPEG_PATH", "ffmpeg"),
			SegmentSeconds: getEnvInt("HLS_SEGMENT_SECONDS", 2),
			PlaylistSize:   getEnvInt("HLS_PLAYLIST_SIZE", 6),
			InputBuffer:    getEnvInt("HLS_INPUT_BUFFER_FRAMES", 256),
			IdleTimeout:    getEnvDuration("HLS_IDLE_TIMEOUT", 2*time.Minute),
			SweepInterval:  getEnvDuration("HLS_SWEEP_INTERVAL", 5*time.Minute),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
