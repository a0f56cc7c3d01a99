// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every tunable of the service. Values come from
// APERIO_* environment variables with the documented defaults.
type Config struct {
	Server     ServerConfig
	Download   DownloadConfig
	Processing ProcessingConfig
	Storage    StorageConfig
	Security   SecurityConfig
	Queue      QueueConfig
	Retention  RetentionConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ClientTimeout  time.Duration
	KeepAlive      time.Duration
	MaxPayloadSize int64
	CORSOrigins    []string
}

type DownloadConfig struct {
	DownloadTimeout        time.Duration
	DownloadCommand        string
	AllowedDomains         []string
	MaxConcurrentDownloads int
}

type ProcessingConfig struct {
	ProcessingTimeout       time.Duration
	FFmpegCommand           string
	VideoCodec              string
	AudioCodec              string
	Preset                  string
	CRF                     int
	AudioBitrate            string
	MaxConcurrentProcessing int
}

type StorageConfig struct {
	StoragePath string
	WorkingDir  string
	DatabaseURL string
}

type SecurityConfig struct {
	MaxFileSizeMB int64
	MaxURLLength  int
	AuthPassword  string
}

type QueueConfig struct {
	MaxConcurrentJobs int
	MaxQueueSize      int
}

type RetentionConfig struct {
	Enabled              bool
	RetentionDays        int
	CleanupIntervalHours int
}

// Load reads the full configuration from the environment.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           getEnvWithDefault("APERIO_HOST", "0.0.0.0"),
			Port:           getEnvInt("APERIO_PORT", 8080),
			ClientTimeout:  getEnvDuration("APERIO_CLIENT_TIMEOUT", 1800),
			KeepAlive:      getEnvDuration("APERIO_KEEP_ALIVE", 1800),
			MaxPayloadSize: getEnvInt64("APERIO_MAX_PAYLOAD", 100*1024*1024),
			CORSOrigins:    getEnvList("APERIO_CORS_ORIGINS", ""),
		},
		Download: DownloadConfig{
			DownloadTimeout:        getEnvDuration("APERIO_DOWNLOAD_TIMEOUT", 900),
			DownloadCommand:        getEnvWithDefault("APERIO_DOWNLOAD_COMMAND", "yt-dlp"),
			AllowedDomains:         getEnvList("APERIO_ALLOWED_DOMAINS", "youtube.com,youtu.be,instagram.com"),
			MaxConcurrentDownloads: getEnvInt("APERIO_MAX_CONCURRENT_DOWNLOADS", 2),
		},
		Processing: ProcessingConfig{
			ProcessingTimeout:       getEnvDuration("APERIO_PROCESSING_TIMEOUT", 900),
			FFmpegCommand:           getEnvWithDefault("APERIO_FFMPEG_COMMAND", "ffmpeg"),
			VideoCodec:              getEnvWithDefault("APERIO_VIDEO_CODEC", "libx264"),
			AudioCodec:              getEnvWithDefault("APERIO_AUDIO_CODEC", "aac"),
			Preset:                  getEnvWithDefault("APERIO_PRESET", "medium"),
			CRF:                     getEnvInt("APERIO_CRF", 23),
			AudioBitrate:            getEnvWithDefault("APERIO_AUDIO_BITRATE", "128k"),
			MaxConcurrentProcessing: getEnvInt("APERIO_MAX_CONCURRENT_PROCESSING", 1),
		},
		Storage: StorageConfig{
			StoragePath: getEnvWithDefault("APERIO_STORAGE_PATH", "/app/storage"),
			WorkingDir:  getEnvWithDefault("APERIO_WORKING_DIR", "/app/working"),
			DatabaseURL: getEnvWithDefault("APERIO_DATABASE_URL", "sqlite:///app/storage/aperio.db"),
		},
		Security: SecurityConfig{
			MaxFileSizeMB: getEnvInt64("APERIO_MAX_FILE_SIZE_MB", 500),
			MaxURLLength:  getEnvInt("APERIO_MAX_URL_LENGTH", 2048),
			AuthPassword:  os.Getenv("APERIO_AUTH_PASSWORD"),
		},
		Queue: QueueConfig{
			MaxConcurrentJobs: getEnvInt("APERIO_MAX_CONCURRENT_JOBS", 2),
			MaxQueueSize:      getEnvInt("APERIO_MAX_QUEUE_SIZE", 1000),
		},
		Retention: RetentionConfig{
			Enabled:              strings.ToLower(getEnvWithDefault("APERIO_RETENTION_ENABLED", "true")) == "true",
			RetentionDays:        getEnvInt("APERIO_RETENTION_DAYS", 30),
			CleanupIntervalHours: getEnvInt("APERIO_CLEANUP_INTERVAL_HOURS", 24),
		},
	}
}

// MaxFileSizeBytes converts the configured megabyte limit to bytes.
func (s SecurityConfig) MaxFileSizeBytes() int64 {
	return s.MaxFileSizeMB * 1024 * 1024
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultSecs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSecs)) * time.Second
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnvWithDefault(key, defaultValue)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
