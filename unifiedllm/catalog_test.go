package unifiedllm

import "testing"

func TestGetModelInfo(t *testing.T) {
	info := GetModelInfo("gemini-2.5-flash-lite")
	if info == nil {
		t.Fatal("expected to find gemini-2.5-flash-lite")
	}
	if info.Provider != "gemini" {
		t.Errorf("expected provider %q, got %q", "gemini", info.Provider)
	}
	if !info.SupportsTools || !info.NativeStructured {
		t.Errorf("expected tools and native structured output, got %+v", info)
	}

	info = GetModelInfo("sonnet")
	if info == nil || info.ID != "claude-sonnet-4-5" {
		t.Fatalf("expected alias lookup to find claude-sonnet-4-5, got %v", info)
	}

	if info := GetModelInfo("nonexistent-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %v", info)
	}
}

func TestListModels(t *testing.T) {
	all := ListModels("")
	if len(all) != len(Models) {
		t.Errorf("expected %d models, got %d", len(Models), len(all))
	}
	all[0].ID = "mutated"
	if Models[0].ID == "mutated" {
		t.Error("ListModels must return a copy")
	}

	for _, m := range ListModels("gemini") {
		if m.Provider != "gemini" {
			t.Errorf("unexpected provider %q in gemini list", m.Provider)
		}
	}
	if got := ListModels("unknown"); len(got) != 0 {
		t.Errorf("expected no models for unknown provider, got %d", len(got))
	}
}

func TestGetLatestModel(t *testing.T) {
	tests := map[string]string{
		"gemini":    DefaultGeminiModel,
		"openai":    "gpt-4o-mini",
		"anthropic": "claude-sonnet-4-5",
	}
	for provider, want := range tests {
		info := GetLatestModel(provider)
		if info == nil || info.ID != want {
			t.Errorf("%s: expected %q, got %v", provider, want, info)
		}
	}
	if GetLatestModel("nope") != nil {
		t.Error("expected nil for unknown provider")
	}
}
