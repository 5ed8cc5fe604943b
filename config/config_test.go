package config

import (
	"strings"
	"testing"
	"time"
)

func TestSearchConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     SearchConfig
		wantErr bool
	}{
		{name: "empty is valid", cfg: SearchConfig{}},
		{name: "known providers", cfg: SearchConfig{Providers: []string{"tavily", "brave", "serper", "newsapi"}}},
		{name: "unknown provider", cfg: SearchConfig{Providers: []string{"altavista"}}, wantErr: true},
		{name: "sequential strategy", cfg: SearchConfig{Strategy: "sequential"}},
		{name: "fanout strategy", cfg: SearchConfig{Strategy: "fanout"}},
		{name: "bogus strategy", cfg: SearchConfig{Strategy: "parallel"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfigValidateCrossSections(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Search.RedisCache = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("redis cache without redis should fail validation")
	}

	cfg = &Config{}
	cfg.Scheduler.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("scheduler without redis should fail validation")
	}

	cfg = &Config{}
	cfg.Scheduler.Enabled = true
	cfg.Storage.Redis.Enabled = true
	cfg.Storage.Redis.Host = "localhost"
	cfg.Storage.Redis.Port = "6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgresDSN(t *testing.T) {
	t.Parallel()
	p := PostgresConfig{URL: "postgres://u:p@db:5432/x?sslmode=disable"}
	if got := p.DSN(); got != p.URL {
		t.Fatalf("explicit url should win, got %q", got)
	}

	p = PostgresConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "playbook"}
	got := p.DSN()
	if !strings.HasPrefix(got, "postgres://u:p@db:5432/playbook") {
		t.Fatalf("unexpected dsn %q", got)
	}
	if !strings.Contains(got, "sslmode=disable") {
		t.Fatalf("expected default sslmode=disable in %q", got)
	}
}

func TestModelForRouting(t *testing.T) {
	t.Parallel()
	llm := LLMConfig{Routing: LLMRoutingConfig{
		Assessment: "gpt-4o",
		Fallback:   "gpt-4o-mini",
	}}
	if got := llm.ModelFor("assessment"); got != "gpt-4o" {
		t.Fatalf("ModelFor(assessment) = %q", got)
	}
	if got := llm.ModelFor("research"); got != "gpt-4o-mini" {
		t.Fatalf("ModelFor(research) should fall back, got %q", got)
	}
}

func TestRedisAddr(t *testing.T) {
	t.Parallel()
	r := RedisConfig{Host: "cache", Port: "6380", Timeout: time.Second}
	if got := r.Addr(); got != "cache:6380" {
		t.Fatalf("Addr() = %q", got)
	}
}
