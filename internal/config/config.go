package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	TDnet   TDnetConfig
	Gemini  GeminiConfig
	Limits  LimitsConfig
	Storage StorageConfig
	Server  ServerConfig
	Log     LogConfig
}

type TDnetConfig struct {
	BaseURL string
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

// LimitsConfig bounds document retrieval and extraction.
type LimitsConfig struct {
	MaxPDFBytes int64
	MaxPages    int
	MaxChars    int
}

type StorageConfig struct {
	DataDir string
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		TDnet: TDnetConfig{
			BaseURL: "https://webapi.yanoshin.jp/webapi/tdnet/list",
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.0-flash",
		},
		Limits: LimitsConfig{
			MaxPDFBytes: 20 << 20,
			MaxPages:    35,
			MaxChars:    160000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/kessan/config.json, then applies KESSAN_* environment
// overrides. Secrets (the Gemini API key, the server token) come from
// environment variables only and are never written to the file.
//
// A missing Gemini API key is not an error: listing and cache reads work
// without it, and analysis reports the key as missing when attempted.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// AnalysisEnabled reports whether a Gemini API key is configured.
func (c Config) AnalysisEnabled() bool {
	return c.Gemini.APIKey != ""
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "kessan-data"
		}
	}
	return filepath.Join(dir, "kessan")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "kessan", "config.json")
}
