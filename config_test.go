package main

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			bind:         "0.0.0.0",
			port:         3000,
			rounds:       3,
			questionTime: 45 * time.Second,
			answerTime:   60 * time.Second,
			guessTime:    15 * time.Second,
			voteTime:     20 * time.Second,
		}
	}

	if err := base().validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port zero", func(c *Config) { c.port = 0 }, "invalid port"},
		{"port too high", func(c *Config) { c.port = 65536 }, "invalid port"},
		{"cert without key", func(c *Config) { c.tlsCert = "cert.pem" }, "--tls-cert and --tls-key"},
		{"key without cert", func(c *Config) { c.tlsKey = "key.pem" }, "--tls-cert and --tls-key"},
		{"zero rounds", func(c *Config) { c.rounds = 0 }, "invalid round count"},
		{"negative question time", func(c *Config) { c.questionTime = -time.Second }, "question-time"},
		{"zero answer time", func(c *Config) { c.answerTime = 0 }, "answer-time"},
		{"zero guess time", func(c *Config) { c.guessTime = 0 }, "guess-time"},
		{"zero vote time", func(c *Config) { c.voteTime = 0 }, "vote-time"},
	}

	for _, tc := range tests {
		cfg := base()
		tc.mutate(cfg)

		err := cfg.validate()
		if err == nil {
			t.Errorf("%s: validate() accepted an invalid config", tc.name)

			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: validate() = %q, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestConfigScheme(t *testing.T) {
	cfg := &Config{}
	if got := cfg.scheme(); got != "http" {
		t.Errorf("scheme() = %q, want http", got)
	}

	cfg.tlsCert, cfg.tlsKey = "cert.pem", "key.pem"
	if got := cfg.scheme(); got != "https" {
		t.Errorf("scheme() = %q, want https", got)
	}
}

func TestNewCmdFlagDefaults(t *testing.T) {
	cfg := &Config{}
	cmd := newCmd(cfg)

	tests := []struct {
		flag string
		want string
	}{
		{"answer-time", "1m0s"},
		{"bind", "0.0.0.0"},
		{"guess-time", "15s"},
		{"port", "3000"},
		{"question-time", "45s"},
		{"rounds", "3"},
		{"vote-time", "20s"},
	}

	for _, tc := range tests {
		f := cmd.Flags().Lookup(tc.flag)
		if f == nil {
			t.Errorf("flag --%s is not registered", tc.flag)

			continue
		}
		if f.DefValue != tc.want {
			t.Errorf("flag --%s default = %q, want %q", tc.flag, f.DefValue, tc.want)
		}
	}
}
