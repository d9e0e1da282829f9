// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package config loads the runtime configuration: a YAML base file overlaid
// with environment variables (env vars win). This mirrors the teacher's own
// use of caarlos0/env for the overlay layer; the YAML base layer fills in
// the file-based half that the retrieved teacher slice didn't include.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// MCPServerConfig describes one external MCP server process to launch at
// startup (spec.md §4.4: "registry also accepts externally-supplied tool
// groups (skills, MCP servers) merged in after local tools").
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`
}

// ChannelConfig is the common shape for a transport's credentials plus its
// sensitive-tool auto-approve policy (spec.md §4.4: "Channel policies may
// force approval for a subset").
type ChannelConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Token               string   `yaml:"token"`
	AppID               string   `yaml:"app_id"`
	AppSecret           string   `yaml:"app_secret"`
	BotToken            string   `yaml:"bot_token"`
	AppToken            string   `yaml:"app_token"`
	Addr                string   `yaml:"addr"`
	AutoApproveSensitive []string `yaml:"auto_approve_sensitive"` // tool names auto-approved without confirmation on this channel
	RequireApproval      []string `yaml:"require_approval"`       // tool names that always require confirmation on this channel, overriding global auto-approve
}

// AutoApproves reports whether tool is auto-approved for this channel and
// not explicitly forced back into the confirmation flow.
func (c ChannelConfig) AutoApproves(tool string) bool {
	for _, t := range c.RequireApproval {
		if t == tool {
			return false
		}
	}
	for _, t := range c.AutoApproveSensitive {
		if t == tool {
			return true
		}
	}
	return false
}

// Config is the root configuration object.
type Config struct {
	Workspace string `yaml:"workspace" env:"PICOCLAW_WORKSPACE"`
	LogLevel  string `yaml:"log_level" env:"PICOCLAW_LOG_LEVEL" envDefault:"info"`
	LogJSON   bool   `yaml:"log_json" env:"PICOCLAW_LOG_JSON"`

	Providers struct {
		Anthropic struct {
			APIKey string `yaml:"api_key" env:"ANTHROPIC_API_KEY"`
			OAuth  bool   `yaml:"oauth" env:"ANTHROPIC_OAUTH"`
		} `yaml:"anthropic"`
		OpenAI struct {
			APIKey string `yaml:"api_key" env:"OPENAI_API_KEY"`
		} `yaml:"openai"`
		OpenRouter struct {
			APIKey  string `yaml:"api_key" env:"OPENROUTER_API_KEY"`
			APIBase string `yaml:"api_base" env:"OPENROUTER_API_BASE"`
		} `yaml:"openrouter"`
	} `yaml:"providers"`

	Agents struct {
		Defaults struct {
			Model               string `yaml:"model" env:"PICOCLAW_MODEL" envDefault:"claude-sonnet-4-5-20250929"`
			FallbackModel       string `yaml:"fallback_model" env:"PICOCLAW_FALLBACK_MODEL"`
			MaxTokens           int    `yaml:"max_tokens" env:"PICOCLAW_MAX_TOKENS" envDefault:"150000"`
			MaxToolIterations   int    `yaml:"max_tool_iterations" env:"PICOCLAW_MAX_TOOL_ITERATIONS" envDefault:"30"`
			RestrictToWorkspace bool   `yaml:"restrict_to_workspace" env:"PICOCLAW_RESTRICT_WORKSPACE" envDefault:"true"`
			Autonomous          bool   `yaml:"autonomous" env:"PICOCLAW_AUTONOMOUS"`
			AllowUnsafeCommands bool   `yaml:"allow_unsafe_commands" env:"PICOCLAW_ALLOW_UNSAFE_COMMANDS"`
		} `yaml:"defaults"`
	} `yaml:"agents"`

	Tools struct {
		Web struct {
			Brave struct {
				APIKey     string `yaml:"api_key" env:"BRAVE_API_KEY"`
				MaxResults int    `yaml:"max_results" envDefault:"5"`
				Enabled    bool   `yaml:"enabled"`
			} `yaml:"brave"`
			DuckDuckGo struct {
				MaxResults int  `yaml:"max_results" envDefault:"5"`
				Enabled    bool `yaml:"enabled" envDefault:"true"`
			} `yaml:"duckduckgo"`
		} `yaml:"web"`
		Memory struct {
			SemanticSearch   bool   `yaml:"semantic_search" envDefault:"true"`
			KnowledgeExtract bool   `yaml:"knowledge_extract" envDefault:"true"`
			EmbeddingModel   string `yaml:"embedding_model"`
		} `yaml:"memory"`
	} `yaml:"tools"`

	Channels struct {
		CLI       ChannelConfig `yaml:"cli"`
		Discord   ChannelConfig `yaml:"discord"`
		Telegram  ChannelConfig `yaml:"telegram"`
		Slack     ChannelConfig `yaml:"slack"`
		Lark      ChannelConfig `yaml:"lark"`
		DingTalk  ChannelConfig `yaml:"dingtalk"`
		WebSocket ChannelConfig `yaml:"websocket"`
		QQ        ChannelConfig `yaml:"qq"`
	} `yaml:"channels"`

	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// WorkspacePath returns the absolute workspace directory, defaulting to
// ~/.picoclaw/workspace when unset.
func (c *Config) WorkspacePath() string {
	if c.Workspace != "" {
		return c.Workspace
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./workspace"
	}
	return filepath.Join(home, ".picoclaw", "workspace")
}

// Load reads a YAML config file (if path is non-empty and exists), then
// overlays environment variables on top, matching the teacher's existing
// env-first precedent (caarlos0/env is already a direct dependency).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overlay: %w", err)
	}

	return cfg, nil
}
