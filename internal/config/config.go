package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort        = 8001
	defaultDataDir     = "data"
	defaultIdleSeconds = 3600
)

// Config describes runtime configuration for the daemon.
type Config struct {
	Port        int    `yaml:"port"`
	DataDir     string `yaml:"data_dir"`
	Token       string `yaml:"token"`
	TokenPath   string `yaml:"token_path"`
	DBPath      string `yaml:"db_path"`
	IdleSeconds int    `yaml:"idle_seconds"`
	Language    string `yaml:"language"`
	ModelPath   string `yaml:"model_path"`
	WhisperBin  string `yaml:"whisper_bin"`
	FFmpegBin   string `yaml:"ffmpeg_bin"`
	FFprobeBin  string `yaml:"ffprobe_bin"`
	YtDlpBin    string `yaml:"ytdlp_bin"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:        defaultPort,
		DataDir:     defaultDataDir,
		IdleSeconds: defaultIdleSeconds,
		Language:    "auto",
		WhisperBin:  "whisper.cpp",
		FFmpegBin:   "ffmpeg",
		FFprobeBin:  "ffprobe",
		YtDlpBin:    "yt-dlp",
	}
}

// Load reads YAML config from the provided path. A missing or empty file
// yields defaults. TRANSCRIBER_* environment variables override the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if len(fileData) > 0 {
			if err := yaml.Unmarshal(fileData, &cfg); err != nil {
				return cfg, fmt.Errorf("parse yaml: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	if cfg.Port <= 0 {
		return cfg, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	// derived paths live under the data dir unless pinned explicitly
	if cfg.TokenPath == "" {
		cfg.TokenPath = filepath.Join(cfg.DataDir, "service.token")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "tasks.db")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TRANSCRIBER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("TRANSCRIBER_BASE_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TRANSCRIBER_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("TRANSCRIBER_TOKEN_PATH"); v != "" {
		cfg.TokenPath = v
	}
	if v := os.Getenv("TRANSCRIBER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TRANSCRIBER_IDLE_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.IdleSeconds = secs
		}
	}
	if v := os.Getenv("WHISPER_MODEL_DIR"); v != "" {
		cfg.ModelPath = v
	}
	if v := os.Getenv("FFMPEG_BINARY"); v != "" {
		cfg.FFmpegBin = v
	}
}
