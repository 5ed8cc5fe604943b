package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/models"
	openai_provider "github.com/mohammad-safakhou/playbook/provider/openai"
)

// Message is one conversation turn passed alongside a prompt.
type Message = models.ChatMessage

// Usage reports tokens and cost for one call.
type Usage = models.TokenUsage

// Pipeline stages with their own model routing.
const (
	StageAssessment  = "assessment"
	StageResearch    = "research"
	StageInterview   = "interview"
	StagePreferences = "preferences"
)

// Provider is a configured LLM endpoint bound to one model. Implementations
// must be safe for concurrent use.
type Provider interface {
	Generate(ctx context.Context, prompt string, history []Message) (string, Usage, error)
}

// ForStage resolves the model routed to a pipeline stage and returns a
// Provider bound to it. Provider names are walked in sorted order so the
// same configuration always binds the same backend.
func ForStage(cfg config.LLMConfig, stage string) (Provider, error) {
	model := cfg.ModelFor(stage)
	if model == "" {
		return nil, fmt.Errorf("no model routed for stage %q and no fallback configured", stage)
	}

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := cfg.Providers[name]
		mc, ok := pc.Models[model]
		if !ok {
			continue
		}
		switch pc.Type {
		case "openai", "openai-compatible", "":
			return openai_provider.New(pc, mc)
		default:
			return nil, fmt.Errorf("unsupported LLM provider type %q for model %s", pc.Type, model)
		}
	}
	return nil, fmt.Errorf("model %q is not configured under any provider", model)
}
