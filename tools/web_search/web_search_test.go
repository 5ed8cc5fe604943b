package web_search

import (
	"errors"
	"testing"

	"github.com/mohammad-safakhou/playbook/config"
)

func TestNewUnsupportedProvider(t *testing.T) {
	t.Parallel()
	if _, err := New(Provider("altavista"), "key", nil); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestFromConfigKeepsPriorityOrder(t *testing.T) {
	t.Parallel()
	cfg := config.SearchConfig{
		Providers:    []string{"brave", "tavily"},
		BraveAPIKey:  "b",
		TavilyAPIKey: "", // unavailable but still constructed
	}
	searchers := FromConfig(cfg)
	if len(searchers) != 2 {
		t.Fatalf("expected 2 searchers, got %d", len(searchers))
	}
	if searchers[0].Name() != "brave" || searchers[1].Name() != "tavily" {
		t.Fatalf("order not preserved: %s, %s", searchers[0].Name(), searchers[1].Name())
	}
	if !searchers[0].Available() {
		t.Fatalf("brave should be available with a key")
	}
	if searchers[1].Available() {
		t.Fatalf("tavily should be unavailable without a key")
	}
}
