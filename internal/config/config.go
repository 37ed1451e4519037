package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Download struct {
		Dir              string
		StagingDir       string
		ProgressInterval time.Duration
		Resume           bool
	}
	S3 struct {
		Region   string
		Endpoint string
	}
	AWS struct {
		Profile string
	}
	Torrent struct {
		Enabled bool
		DataDir string
	}
	Auth struct {
		JWTSecret string
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetEnvPrefix("STREAMVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/streamvault.db")
	v.SetDefault("download.dir", DefaultDownloadDir())
	v.SetDefault("download.stagingdir", filepath.Join(os.TempDir(), "streamvault-staging"))
	v.SetDefault("download.progressinterval", time.Second)
	v.SetDefault("download.resume", true)
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("torrent.enabled", true)
	v.SetDefault("torrent.datadir", filepath.Join(os.TempDir(), "streamvault-torrents"))
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Download.ProgressInterval <= 0 {
		return Config{}, fmt.Errorf("download.progressinterval must be positive, got %s", cfg.Download.ProgressInterval)
	}

	return cfg, nil
}

// DefaultDownloadDir is "streamvault/Downloads" under the per-user config directory.
func DefaultDownloadDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return filepath.Join("data", "downloads")
	}
	return filepath.Join(base, "streamvault", "Downloads")
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
