package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM     LLMConfig
	Server  ServerConfig
	History HistoryConfig
	Speech  SpeechConfig
	MCP     MCPConfig
	Log     LogConfig
}

// LLMConfig holds the inference provider configuration
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	ModelPath    string        `mapstructure:"model_path"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float32       `mapstructure:"temperature"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	RequireModel bool          `mapstructure:"require_model"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// HistoryConfig selects and configures the conversation store
type HistoryConfig struct {
	Driver     string `mapstructure:"driver"`
	DBPath     string `mapstructure:"db_path"`
	RedisAddr  string `mapstructure:"redis_addr"`
	RedisDB    int    `mapstructure:"redis_db"`
	SaveDir    string `mapstructure:"save_dir"`
	SaveFormat string `mapstructure:"save_format"`
}

// SpeechConfig holds the speech-to-text and text-to-speech configuration
type SpeechConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	STTModel string `mapstructure:"stt_model"`
	TTSModel string `mapstructure:"tts_model"`
	Voice    string `mapstructure:"voice"`
	AudioDir string `mapstructure:"audio_dir"`
}

// MCPConfig toggles the MCP tool surface
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

var defaults = map[string]any{
	"llm.provider":        "local",
	"llm.base_url":        "http://localhost:8080/v1",
	"llm.api_key":         "",
	"llm.model":           "mistral-7b-instruct",
	"llm.model_path":      "data/models/mistral-7b-instruct.gguf",
	"llm.max_tokens":      512,
	"llm.temperature":     0.2,
	"llm.system_prompt":   "",
	"llm.require_model":   false,
	"llm.probe_timeout":   "3s",
	"server.host":         "0.0.0.0",
	"server.port":         "8000",
	"history.driver":      "memory",
	"history.db_path":     "history.db",
	"history.redis_addr":  "localhost:6379",
	"history.redis_db":    0,
	"history.save_dir":    "data/chats",
	"history.save_format": "json",
	"speech.enabled":      false,
	"speech.base_url":     "",
	"speech.api_key":      "",
	"speech.stt_model":    "whisper-1",
	"speech.tts_model":    "tts-1",
	"speech.voice":        "alloy",
	"speech.audio_dir":    "data/audio",
	"mcp.enabled":         false,
	"log.level":           "info",
}

// Load loads the configuration from config.yaml in the working directory, or from the
// file named by CONFIG_PATH. A missing config.yaml is not an error; defaults and
// SUPPORTDESK_* environment variables still apply.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("SUPPORTDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
