package api

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

func TestNewClient_WithAPIKey(t *testing.T) {
	cfg := ClientConfig{
		APIKey: "test-key-123",
		Model:  anthropic.ModelClaudeSonnet4_20250514,
	}

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if client == nil {
		t.Fatal("NewClient returned nil")
	}

	if client.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("Model = %q, want %q", client.Model(), anthropic.ModelClaudeSonnet4_20250514)
	}

	if client.Tracker() == nil {
		t.Error("Tracker should not be nil")
	}
}

func TestNewClient_WithEnvVar(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-test-key")

	cfg := ClientConfig{
		Model: anthropic.ModelClaudeSonnet4_20250514,
	}

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if client == nil {
		t.Fatal("NewClient returned nil")
	}
}

func TestNewClient_NoAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := ClientConfig{}

	_, err := NewClient(cfg)
	if err == nil {
		t.Fatal("NewClient should fail without API key")
	}

	expected := "ANTHROPIC_API_KEY environment variable is not set"
	if err.Error() != expected {
		t.Errorf("Error = %q, want %q", err.Error(), expected)
	}
}

func TestNewClient_DefaultModel(t *testing.T) {
	cfg := ClientConfig{
		APIKey: "test-key",
	}

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	// Should default to Sonnet
	if client.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("Default model = %q, want %q", client.Model(), anthropic.ModelClaudeSonnet4_20250514)
	}
}

func TestTokenTracker_Add(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.Add(100, 50)
	input, output := tracker.Total()

	if input != 100 {
		t.Errorf("Input tokens = %d, want 100", input)
	}
	if output != 50 {
		t.Errorf("Output tokens = %d, want 50", output)
	}
	if tracker.Calls() != 1 {
		t.Errorf("Calls = %d, want 1", tracker.Calls())
	}
}

func TestTokenTracker_AddMultiple(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.Add(100, 50)
	tracker.Add(200, 100)
	tracker.Add(50, 25)

	input, output := tracker.Total()

	if input != 350 {
		t.Errorf("Input tokens = %d, want 350", input)
	}
	if output != 175 {
		t.Errorf("Output tokens = %d, want 175", output)
	}
	if tracker.Calls() != 3 {
		t.Errorf("Calls = %d, want 3", tracker.Calls())
	}
}

func TestTokenTracker_Reset(t *testing.T) {
	tracker := NewTokenTracker()

	tracker.Add(100, 50)
	tracker.Reset()

	input, output := tracker.Total()
	if input != 0 || output != 0 {
		t.Errorf("After reset: input=%d, output=%d; want 0, 0", input, output)
	}
	if tracker.Calls() != 0 {
		t.Errorf("Calls after reset = %d, want 0", tracker.Calls())
	}
}

func TestTokenTracker_Cost(t *testing.T) {
	tracker := NewTokenTracker()

	// 1M input tokens at $3/1M = $3
	// 1M output tokens at $15/1M = $15
	// Total = $18
	tracker.Add(1_000_000, 1_000_000)

	cost := tracker.Cost()
	expected := 18.0

	if cost != expected {
		t.Errorf("Cost = %f, want %f", cost, expected)
	}
}

func TestTokenTracker_CostSmall(t *testing.T) {
	tracker := NewTokenTracker()

	// 1000 input at $3/1M = $0.003
	// 1000 output at $15/1M = $0.015
	// Total = $0.018
	tracker.Add(1000, 1000)

	cost := tracker.Cost()
	expected := 0.018

	// Use epsilon comparison for floating point
	epsilon := 0.000001
	if cost < expected-epsilon || cost > expected+epsilon {
		t.Errorf("Cost = %f, want %f (within %f)", cost, expected, epsilon)
	}
}

func TestTranslateModel(t *testing.T) {
	direct, _ := NewClient(ClientConfig{APIKey: "k"})
	if got := direct.TranslateModel("claude-3-5-haiku-20241022"); got != anthropic.ModelClaude3_5Haiku20241022 {
		t.Errorf("direct TranslateModel = %q", got)
	}
	if got := direct.TranslateModel(""); got != direct.Model() {
		t.Errorf("empty model = %q, want default %q", got, direct.Model())
	}

	c := &Client{model: "us.anthropic.claude-sonnet-4-20250514-v1:0", bedrock: true}
	if got := c.TranslateModel(string(anthropic.ModelClaudeOpus4_5_20251101)); got != "us.anthropic.claude-opus-4-5-20251101-v1:0" {
		t.Errorf("bedrock TranslateModel = %q", got)
	}
	if got := c.TranslateModel("custom-model"); got != "custom-model" {
		t.Errorf("unknown model should pass through, got %q", got)
	}
}

func TestClientPool_ForAccount(t *testing.T) {
	t.Setenv("AUTOPILOT_TEST_KEY_A", "key-a")
	pool := NewClientPool(ClientConfig{})

	a, err := pool.ForAccount(models.Account{ID: "a1", Provider: "anthropic", APIKeyEnv: "AUTOPILOT_TEST_KEY_A"})
	if err != nil {
		t.Fatalf("ForAccount: %v", err)
	}
	again, _ := pool.ForAccount(models.Account{ID: "a1", Provider: "anthropic", APIKeyEnv: "AUTOPILOT_TEST_KEY_A"})
	if a != again {
		t.Error("ForAccount should reuse the client for an account")
	}
	if a.Tracker() != pool.Tracker() {
		t.Error("pool clients should share one tracker")
	}

	if _, err := pool.ForAccount(models.Account{ID: "a2", APIKeyEnv: "AUTOPILOT_TEST_KEY_MISSING"}); err == nil {
		t.Error("expected error for unset key variable")
	}
}

func TestClientPool_DefaultAccountUsesConfiguredKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	pool := NewClientPool(ClientConfig{APIKey: "sk-ant-from-config-file"})

	if _, err := pool.ForAccount(models.Account{ID: "default", APIKeyEnv: "ANTHROPIC_API_KEY"}); err != nil {
		t.Errorf("default account should fall back to the configured key: %v", err)
	}
	if _, err := pool.ForAccount(models.Account{ID: "other", APIKeyEnv: "AUTOPILOT_TEST_KEY_UNSET"}); err == nil {
		t.Error("a dedicated account must not borrow the configured key")
	}
}
