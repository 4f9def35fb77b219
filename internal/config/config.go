package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type RTCConfig struct {
	APIKey    string `mapstructure:"api_key"`
	ProjectID string `mapstructure:"project_id"`
	APIURL    string `mapstructure:"api_url"`
	SignalURL string `mapstructure:"signal_url"`
}

type ModelConfig struct {
	APIKey       string `mapstructure:"api_key"`
	RealtimeURL  string `mapstructure:"realtime_url"`
	Name         string `mapstructure:"name"`
	Voice        string `mapstructure:"voice"`
	Instructions string `mapstructure:"instructions"`
}

type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type Config struct {
	Mode  string      `mapstructure:"mode"`
	Port  int         `mapstructure:"port"`
	Agent string      `mapstructure:"agent"`
	RTC   RTCConfig   `mapstructure:"rtc"`
	Model ModelConfig `mapstructure:"model"`
	LLM   LLMConfig   `mapstructure:"llm"`
}

const defaultInstructions = "You are an interviewer. You will ask the candidate questions based on software engineering requirements."

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("agent", "AI Agent")
	v.SetDefault("rtc.api_url", "https://api.huddle01.com")
	v.SetDefault("rtc.signal_url", "wss://rtc.huddle01.com/ws")
	v.SetDefault("model.realtime_url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("model.name", "gpt-4o-realtime-preview")
	v.SetDefault("model.voice", "alloy")
	v.SetDefault("model.instructions", defaultInstructions)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")

	// Credentials come from the environment, never from the file.
	_ = v.BindEnv("rtc.api_key", "RTC_API_KEY")
	_ = v.BindEnv("rtc.project_id", "RTC_PROJECT_ID")
	_ = v.BindEnv("model.api_key", "OPENAI_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the startup contract: a missing credential is a
// fatal configuration error, never a per-request one.
func (c *Config) Validate() error {
	var missing []string
	if c.RTC.APIKey == "" {
		missing = append(missing, "RTC_API_KEY")
	}
	if c.RTC.ProjectID == "" {
		missing = append(missing, "RTC_PROJECT_ID")
	}
	if c.Model.APIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}
	return nil
}
