package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// fakeClock drives both the router clock and its cooldown sleeper.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// After advances the clock by d and fires immediately.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func twoProviderConfig() Config {
	return Config{
		Providers: []ProviderConfig{
			{Name: "alpha", Accounts: []AccountConfig{{ID: "a1"}, {ID: "a2"}}, RequestLimit: 10},
			{Name: "beta", Accounts: []AccountConfig{{ID: "b1"}}, RequestLimit: 10},
		},
		Preferences: []Preference{{
			WorkClass: WorkClassDefault,
			Preferred: Choice{Provider: "alpha", Model: "alpha-large", ReasoningLevel: ReasoningHigh},
			Fallbacks: []Choice{{Provider: "beta", Model: "beta-large", ReasoningLevel: ReasoningMedium}},
		}},
		MaxCooldownWait: time.Minute,
		DefaultBackoff:  5 * time.Minute,
	}
}

func newTestRouter(t *testing.T, cfg Config) (*Router, *fakeClock) {
	t.Helper()
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := newFakeClock()
	r.SetClock(clock.Now, clock.After)
	return r, clock
}

func TestNew_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty provider name", Config{Providers: []ProviderConfig{{Accounts: []AccountConfig{{ID: "x"}}}}}},
		{"no accounts", Config{Providers: []ProviderConfig{{Name: "p"}}}},
		{"duplicate account", Config{Providers: []ProviderConfig{
			{Name: "p", Accounts: []AccountConfig{{ID: "x"}}},
			{Name: "q", Accounts: []AccountConfig{{ID: "x"}}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSelectProvider_Preferred(t *testing.T) {
	r, _ := newTestRouter(t, twoProviderConfig())
	sel := r.SelectProvider("task", 100)
	if sel.Provider != "alpha" || !sel.IsPreferred || sel.SelectionReason != ReasonPreferred {
		t.Errorf("selection = %+v, want preferred alpha", sel)
	}
	if sel.Model != "alpha-large" || sel.ReasoningLevel != ReasoningHigh {
		t.Errorf("model = %s/%s", sel.Model, sel.ReasoningLevel)
	}
}

func TestSelectProvider_QuotaPressure(t *testing.T) {
	r, _ := newTestRouter(t, twoProviderConfig())
	for i := 0; i < 6; i++ {
		r.RecordUsage("alpha", 10)
	}
	// alpha would be at 7/10 requests: medium.
	sel := r.SelectProvider("task", 10)
	if sel.Provider != "beta" || sel.IsPreferred {
		t.Fatalf("selection = %+v, want beta", sel)
	}
	if sel.SelectionReason != ReasonQuotaPressure {
		t.Errorf("reason = %q, want %q", sel.SelectionReason, ReasonQuotaPressure)
	}
	if sel.Rationale == "" {
		t.Error("rationale should explain the switch")
	}

	// With beta under equal pressure the preferred provider stays.
	for i := 0; i < 6; i++ {
		r.RecordUsage("beta", 10)
	}
	sel = r.SelectProvider("task", 10)
	if sel.Provider != "alpha" || !sel.IsPreferred {
		t.Errorf("selection = %+v, want alpha when no healthier alternative", sel)
	}
}

func TestSelectProvider_CooldownFailover(t *testing.T) {
	r, _ := newTestRouter(t, twoProviderConfig())
	r.ReportUsageLimit("a1", time.Minute, "429")
	r.ReportUsageLimit("a2", time.Minute, "429")

	sel := r.SelectProvider("task", 10)
	if sel.Provider != "beta" || sel.SelectionReason != ReasonCooldown {
		t.Errorf("selection = %+v, want beta via cooldown failover", sel)
	}
}

func TestSelectForTaskAndCritic(t *testing.T) {
	r, _ := newTestRouter(t, Config{
		Providers: []ProviderConfig{{Name: "anthropic", Accounts: []AccountConfig{{ID: "k"}}}},
	})

	heavy := r.SelectForTask(&models.Task{ID: "T1", EstimatedComplexity: 9})
	if heavy.WorkClass != WorkClassHeavyTask || heavy.Model != ModelOpus {
		t.Errorf("heavy selection = %+v", heavy)
	}
	if heavy.EstimatedCost != 9*4000 {
		t.Errorf("EstimatedCost = %d", heavy.EstimatedCost)
	}

	light := r.SelectForTask(&models.Task{ID: "T2", EstimatedComplexity: 2})
	if light.WorkClass != WorkClassTask || light.Model != ModelSonnet {
		t.Errorf("light selection = %+v", light)
	}

	critic := r.SelectForCritic("data_quality")
	if critic.WorkClass != "critic:data_quality" || critic.ReasoningLevel != ReasoningHigh {
		t.Errorf("critic selection = %+v", critic)
	}
}

func TestAcquire_RoundRobinSkipsCooldown(t *testing.T) {
	r, _ := newTestRouter(t, twoProviderConfig())
	ctx := context.Background()
	sel := r.SelectProvider("task", 0)

	l1, _ := r.Acquire(ctx, sel)
	l2, _ := r.Acquire(ctx, sel)
	if l1.Account.ID != "a1" || l2.Account.ID != "a2" {
		t.Fatalf("rotation = %s, %s; want a1, a2", l1.Account.ID, l2.Account.ID)
	}

	r.ReportUsageLimit("a1", 0, "rate limit")
	for i := 0; i < 3; i++ {
		l, err := r.Acquire(ctx, sel)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if l.Account.ID != "a2" {
			t.Errorf("Acquire %d = %s, want a2 while a1 cools down", i, l.Account.ID)
		}
	}

	accounts := r.Accounts()
	if accounts[0].CooldownUntil == nil || accounts[0].CooldownReason != "rate limit" {
		t.Errorf("a1 = %+v, want cooldown with reason", accounts[0])
	}
}

func TestAcquire_FailsOverThenWaits(t *testing.T) {
	r, clock := newTestRouter(t, twoProviderConfig())
	ctx := context.Background()
	sel := r.SelectProvider("task", 0)

	r.ReportUsageLimit("a1", 30*time.Second, "limit")
	r.ReportUsageLimit("a2", 40*time.Second, "limit")
	l, err := r.Acquire(ctx, sel)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Provider != "beta" || !l.Failover || l.Model != "beta-large" {
		t.Errorf("lease = %+v, want beta failover", l)
	}

	r.ReportUsageLimit("b1", 50*time.Second, "limit")
	start := clock.Now()
	l, err = r.Acquire(ctx, sel)
	if err != nil {
		t.Fatalf("Acquire after sleep: %v", err)
	}
	if l.Account.ID != "a1" {
		t.Errorf("lease = %s, want a1 (earliest cooldown)", l.Account.ID)
	}
	if waited := clock.Now().Sub(start); waited != 30*time.Second {
		t.Errorf("waited %s, want 30s", waited)
	}
}

func TestAcquire_Exhausted(t *testing.T) {
	r, _ := newTestRouter(t, twoProviderConfig())
	sel := r.SelectProvider("task", 0)
	for _, id := range []string{"a1", "a2", "b1"} {
		r.ReportUsageLimit(id, time.Hour, "quota for "+id)
	}

	_, err := r.Acquire(context.Background(), sel)
	if !errors.Is(err, models.ErrQuotaExhausted) {
		t.Fatalf("err = %v, want ErrQuotaExhausted", err)
	}
	var ex *models.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err %T is not *ExhaustedError", err)
	}
	if len(ex.Providers) != 2 {
		t.Errorf("Providers = %v, want alpha and beta", ex.Providers)
	}
	if ex.EarliestRetry.IsZero() {
		t.Error("EarliestRetry should be set")
	}
}

func TestAcquire_CanceledDuringCooldown(t *testing.T) {
	r, err := New(Config{
		Providers:       []ProviderConfig{{Name: "p", Accounts: []AccountConfig{{ID: "x"}}}},
		Preferences:     []Preference{{WorkClass: WorkClassDefault, Preferred: Choice{Provider: "p", Model: "m"}}},
		MaxCooldownWait: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	r.ReportUsageLimit("x", 10*time.Minute, "limit")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Acquire(ctx, r.SelectProvider("task", 0)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDo_RotatesOnUsageLimit(t *testing.T) {
	r, _ := newTestRouter(t, twoProviderConfig())
	var cooled []string
	r.OnCooldown(func(a models.Account) { cooled = append(cooled, a.ID) })

	var used []string
	err := r.Do(context.Background(), r.SelectProvider("task", 0), func(_ context.Context, l *Lease) error {
		used = append(used, l.Account.ID)
		if l.Provider == "alpha" {
			return errors.New("429 Too Many Requests: retry after 20s")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	want := []string{"a1", "a2", "b1"}
	if len(used) != len(want) {
		t.Fatalf("used = %v, want %v", used, want)
	}
	for i := range want {
		if used[i] != want[i] {
			t.Errorf("used[%d] = %s, want %s", i, used[i], want[i])
		}
	}
	if len(cooled) != 2 {
		t.Errorf("cooled = %v, want a1 and a2", cooled)
	}
}

func TestDo_TriesEveryAccountBeforeExhausting(t *testing.T) {
	var accounts []AccountConfig
	for _, id := range []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7"} {
		accounts = append(accounts, AccountConfig{ID: id})
	}
	cfg := Config{
		Providers: []ProviderConfig{{Name: "alpha", Accounts: accounts, RequestLimit: 10}},
		Preferences: []Preference{{
			WorkClass: WorkClassDefault,
			Preferred: Choice{Provider: "alpha", Model: "alpha-large", ReasoningLevel: ReasoningHigh},
		}},
		MaxCooldownWait:      time.Minute,
		DefaultBackoff:       5 * time.Minute,
		MaxUsageLimitRetries: 2,
	}
	r, _ := newTestRouter(t, cfg)

	calls := 0
	err := r.Do(context.Background(), r.SelectProvider("task", 0), func(_ context.Context, l *Lease) error {
		calls++
		if calls <= 5 {
			return errors.New("429 rate limit: retry after 60s")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v, want success on a free account", err)
	}
	if calls != 6 {
		t.Errorf("calls = %d, want 6", calls)
	}
}

func TestDo_NonQuotaErrorReturned(t *testing.T) {
	r, _ := newTestRouter(t, twoProviderConfig())
	boom := errors.New("compile failed")
	calls := 0
	err := r.Do(context.Background(), r.SelectProvider("task", 0), func(context.Context, *Lease) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("err = %v calls = %d, want the original error after one call", err, calls)
	}
}

func TestIsUsageLimitMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"429 Too Many Requests", true},
		{"POST /v1/messages: status 429", true},
		{"HTTP 429: slow down", true},
		{"error: 429", true},
		{"rate_limit_error: retry after 10s", true},
		{"monthly quota reached", true},
		{"output truncated at 1429 tokens", false},
		{"task E429.2 failed: compile error", false},
		{"tests failed: 4290 assertions", false},
	}
	for _, tt := range tests {
		if got := IsUsageLimitMessage(tt.msg); got != tt.want {
			t.Errorf("IsUsageLimitMessage(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestRetryPolicy_Transitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := RetryPolicy{Deadline: now.Add(time.Minute), MaxLimits: 2}

	p = p.Next(RetryEvent{Kind: EventAcquired, Account: "a1"})
	if p.State != StateTrying || p.Account != "a1" {
		t.Fatalf("after acquire: %+v", p)
	}
	p = p.Next(RetryEvent{Kind: EventUsageLimit, Account: "a1"})
	if p.State != StateTrying || p.Account != "" || p.Limits != 1 {
		t.Fatalf("after first limit: %+v", p)
	}
	p = p.Next(RetryEvent{Kind: EventNoEligible, EarliestRetry: now.Add(30 * time.Second)})
	if p.State != StateCooldown || !p.Until.Equal(now.Add(30*time.Second)) {
		t.Fatalf("after no eligible: %+v", p)
	}
	p = p.Next(RetryEvent{Kind: EventCooldownElapsed})
	if p.State != StateTrying {
		t.Fatalf("after cooldown: %+v", p)
	}
	p = p.Next(RetryEvent{Kind: EventUsageLimit})
	if p.State != StateExhausted {
		t.Fatalf("after max limits: %+v", p)
	}
	if q := p.Next(RetryEvent{Kind: EventAcquired, Account: "a2"}); q.State != StateExhausted {
		t.Error("Exhausted must be terminal")
	}

	late := RetryPolicy{Deadline: now}.Next(RetryEvent{Kind: EventNoEligible, EarliestRetry: now.Add(time.Second)})
	if late.State != StateExhausted {
		t.Errorf("cooldown past deadline = %s, want exhausted", late.State)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		msg  string
		want time.Duration
		ok   bool
	}{
		{"rate limited, retry after 30s", 30 * time.Second, true},
		{"Retry-After: 12", 12 * time.Second, true},
		{"please try again in 5 minutes", 5 * time.Minute, true},
		{"limit resets in 2h", 2 * time.Hour, true},
		{"try again in 1.5 seconds", 1500 * time.Millisecond, true},
		{"no hint here", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.msg)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseRetryAfter = %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if d, ok := ParseRetryAfterHeader("45", now); !ok || d != 45*time.Second {
		t.Errorf("seconds = %v, %v", d, ok)
	}
	if d, ok := ParseRetryAfterHeader("Sun, 01 Mar 2026 12:02:00 GMT", now); !ok || d != 2*time.Minute {
		t.Errorf("date = %v, %v", d, ok)
	}
	if _, ok := ParseRetryAfterHeader("soon", now); ok {
		t.Error("garbage should not parse")
	}
}

func TestUsageEstimatorWindow(t *testing.T) {
	clock := newFakeClock()
	e := NewUsageEstimator(time.Hour, 0.5, 0.9)
	e.now = clock.Now
	e.SetLimits("p", Limits{Tokens: 1000})

	e.Record("p", 400)
	if got := e.Pressure("p", 200); got != PressureMedium {
		t.Errorf("pressure = %s, want medium at 0.6", got)
	}
	if got := e.Pressure("p", 600); got != PressureCritical {
		t.Errorf("pressure = %s, want critical at 1.0", got)
	}
	clock.Advance(61 * time.Minute)
	if reqs, tokens := e.Usage("p"); reqs != 0 || tokens != 0 {
		t.Errorf("usage after window = %d/%d, want 0/0", reqs, tokens)
	}
	if got := e.Pressure("unbounded", 1<<40); got != PressureLow {
		t.Errorf("unbounded pressure = %s, want low", got)
	}
}
