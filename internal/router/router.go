package router

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// Selection reasons.
const (
	ReasonPreferred     = "preferred"
	ReasonQuotaPressure = "quota_pressure"
	ReasonCooldown      = "cooldown_failover"
	ReasonNotConfigured = "preferred_not_configured"
	ReasonNoneAvailable = "none_available"
)

// AccountConfig describes one credential.
type AccountConfig struct {
	ID        string `mapstructure:"id" yaml:"id" json:"id"`
	APIKeyEnv string `mapstructure:"api_key_env" yaml:"api_key_env" json:"api_key_env"`
}

// ProviderConfig describes a provider and its accounts.
type ProviderConfig struct {
	Name         string          `mapstructure:"name" yaml:"name" json:"name"`
	Accounts     []AccountConfig `mapstructure:"accounts" yaml:"accounts" json:"accounts"`
	RequestLimit int             `mapstructure:"request_limit" yaml:"request_limit" json:"request_limit"`
	TokenLimit   int64           `mapstructure:"token_limit" yaml:"token_limit" json:"token_limit"`
}

// Config configures a Router.
type Config struct {
	Providers   []ProviderConfig
	Preferences []Preference
	// DefaultBackoff is the cooldown applied when a limit carries no hint.
	DefaultBackoff time.Duration
	// MaxCooldownWait bounds how long Acquire sleeps for a cooldown.
	MaxCooldownWait time.Duration
	// MaxUsageLimitRetries caps usage-limit failovers inside Do.
	MaxUsageLimitRetries int
	// UsageWindow is the estimator's sliding window.
	UsageWindow      time.Duration
	MediumPressure   float64
	CriticalPressure float64
	// HeavyComplexity selects the heavy task work class.
	HeavyComplexity int
	// TokensPerComplexity converts estimated complexity to token cost.
	TokensPerComplexity int64
}

// DefaultConfig returns defaults for a single "anthropic" provider.
func DefaultConfig() Config {
	return Config{
		Providers: []ProviderConfig{{
			Name:     "anthropic",
			Accounts: []AccountConfig{{ID: "anthropic-default", APIKeyEnv: "ANTHROPIC_API_KEY"}},
		}},
		Preferences:          DefaultPreferences(),
		DefaultBackoff:       5 * time.Minute,
		MaxCooldownWait:      2 * time.Minute,
		MaxUsageLimitRetries: 5,
		UsageWindow:          time.Hour,
		MediumPressure:       0.6,
		CriticalPressure:     0.9,
		HeavyComplexity:      8,
		TokensPerComplexity:  4000,
	}
}

// UsageLimitFunc classifies an execution error as a quota signal and
// returns any retry-after hint.
type UsageLimitFunc func(error) (time.Duration, bool)

// Selection is the outcome of SelectProvider.
type Selection struct {
	WorkClass       string   `json:"work_class"`
	Provider        string   `json:"provider"`
	Model           string   `json:"model"`
	ReasoningLevel  string   `json:"reasoning_level"`
	IsPreferred     bool     `json:"is_preferred"`
	SelectionReason string   `json:"selection_reason"`
	Rationale       string   `json:"rationale"`
	Pressure        Pressure `json:"-"`
	EstimatedCost   int64    `json:"estimated_cost"`

	// candidates is the failover order, starting with the selected choice.
	candidates []Choice
}

// Choice returns the selected provider, model and reasoning level.
func (s Selection) Choice() Choice {
	return Choice{Provider: s.Provider, Model: s.Model, ReasoningLevel: s.ReasoningLevel}
}

// Lease is an account handed out by Acquire.
type Lease struct {
	Choice
	Account models.Account
	// Failover is set when the lease is on a provider other than the
	// selected one.
	Failover bool
}

type accountPool struct {
	provider string
	accounts []*models.Account
	cursor   int
}

// next returns the next account not cooling down, in round-robin order. When
// none is free it returns the earliest cooldown end.
func (p *accountPool) next(now time.Time) (*models.Account, time.Time) {
	var earliest time.Time
	n := len(p.accounts)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		a := p.accounts[idx]
		if !a.InCooldown(now) {
			p.cursor = (idx + 1) % n
			return a, time.Time{}
		}
		if earliest.IsZero() || a.CooldownUntil.Before(earliest) {
			earliest = *a.CooldownUntil
		}
	}
	return nil, earliest
}

func (p *accountPool) eligible(now time.Time) int {
	n := 0
	for _, a := range p.accounts {
		if !a.InCooldown(now) {
			n++
		}
	}
	return n
}

// Router selects providers and rotates accounts under quota pressure. All
// cooldown state is owned by the instance.
type Router struct {
	mu        sync.Mutex
	cfg       Config
	prefs     *PreferenceTable
	pools     map[string]*accountPool
	order     []string
	byAccount map[string]*models.Account
	estimator *UsageEstimator
	classify  UsageLimitFunc

	now        func() time.Time
	after      func(time.Duration) <-chan time.Time
	onCooldown func(models.Account)
}

// New creates a Router. Zero config fields take their defaults.
func New(cfg Config) (*Router, error) {
	def := DefaultConfig()
	if len(cfg.Providers) == 0 {
		cfg.Providers = def.Providers
	}
	if len(cfg.Preferences) == 0 {
		cfg.Preferences = def.Preferences
	}
	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = def.DefaultBackoff
	}
	if cfg.MaxCooldownWait < 0 {
		cfg.MaxCooldownWait = 0
	}
	if cfg.MaxUsageLimitRetries <= 0 {
		cfg.MaxUsageLimitRetries = def.MaxUsageLimitRetries
	}
	if cfg.HeavyComplexity <= 0 {
		cfg.HeavyComplexity = def.HeavyComplexity
	}
	if cfg.TokensPerComplexity <= 0 {
		cfg.TokensPerComplexity = def.TokensPerComplexity
	}

	r := &Router{
		cfg:        cfg,
		prefs:      NewPreferenceTable(cfg.Preferences),
		pools:      make(map[string]*accountPool),
		byAccount:  make(map[string]*models.Account),
		estimator:  NewUsageEstimator(cfg.UsageWindow, cfg.MediumPressure, cfg.CriticalPressure),
		classify:   ClassifyUsageLimit,
		now:        time.Now,
		after:      time.After,
		onCooldown: func(models.Account) {},
	}
	for _, pc := range cfg.Providers {
		if pc.Name == "" {
			return nil, fmt.Errorf("router: provider with empty name")
		}
		if _, dup := r.pools[pc.Name]; dup {
			return nil, fmt.Errorf("router: provider %s: %w", pc.Name, models.ErrAlreadyExists)
		}
		if len(pc.Accounts) == 0 {
			return nil, fmt.Errorf("router: provider %s has no accounts", pc.Name)
		}
		pool := &accountPool{provider: pc.Name}
		for _, ac := range pc.Accounts {
			if ac.ID == "" {
				return nil, fmt.Errorf("router: provider %s: account with empty id", pc.Name)
			}
			if _, dup := r.byAccount[ac.ID]; dup {
				return nil, fmt.Errorf("router: account %s: %w", ac.ID, models.ErrAlreadyExists)
			}
			a := &models.Account{ID: ac.ID, Provider: pc.Name, APIKeyEnv: ac.APIKeyEnv}
			pool.accounts = append(pool.accounts, a)
			r.byAccount[a.ID] = a
		}
		r.pools[pc.Name] = pool
		r.order = append(r.order, pc.Name)
		r.estimator.SetLimits(pc.Name, Limits{Requests: pc.RequestLimit, Tokens: pc.TokenLimit})
	}
	return r, nil
}

// SetClock overrides the time source and the cooldown sleeper. Tests only.
func (r *Router) SetClock(now func() time.Time, after func(time.Duration) <-chan time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	r.estimator.mu.Lock()
	r.estimator.now = now
	r.estimator.mu.Unlock()
	if after != nil {
		r.after = after
	}
}

// SetUsageLimitFunc replaces the usage-limit classifier used by Do.
func (r *Router) SetUsageLimitFunc(fn UsageLimitFunc) {
	if fn != nil {
		r.classify = fn
	}
}

// OnCooldown registers a hook called after an account enters cooldown.
func (r *Router) OnCooldown(fn func(models.Account)) {
	if fn != nil {
		r.onCooldown = fn
	}
}

// Providers returns the configured provider names in order.
func (r *Router) Providers() []string {
	return append([]string(nil), r.order...)
}

// Accounts returns copies of every account.
func (r *Router) Accounts() []models.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Account
	for _, name := range r.order {
		for _, a := range r.pools[name].accounts {
			out = append(out, *a)
		}
	}
	return out
}

// RecordUsage feeds one completed request into the usage estimator.
func (r *Router) RecordUsage(provider string, tokens int64) {
	r.estimator.Record(provider, tokens)
}

// ProviderPressure reports the pressure on provider for a request of cost
// tokens. Cooling accounts raise it: all cooling is critical and half or
// more is at least medium.
func (r *Router) ProviderPressure(provider string, cost int64) Pressure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pressureLocked(provider, cost)
}

func (r *Router) pressureLocked(provider string, cost int64) Pressure {
	p := r.estimator.Pressure(provider, cost)
	pool, ok := r.pools[provider]
	if !ok {
		return PressureCritical
	}
	free := pool.eligible(r.now())
	switch {
	case free == 0:
		return PressureCritical
	case free*2 <= len(pool.accounts) && p < PressureMedium:
		return PressureMedium
	}
	return p
}

// SelectForTask selects a provider for executing t.
func (r *Router) SelectForTask(t *models.Task) Selection {
	class := WorkClassTask
	switch {
	case t.Type == models.TaskTypeEpic:
		class = WorkClassEpic
	case t.EstimatedComplexity >= r.cfg.HeavyComplexity:
		class = WorkClassHeavyTask
	}
	complexity := t.EstimatedComplexity
	if complexity < 1 {
		complexity = 1
	}
	return r.SelectProvider(class, int64(complexity)*r.cfg.TokensPerComplexity)
}

// SelectForCritic selects a provider for running the named critic.
func (r *Router) SelectForCritic(critic string) Selection {
	return r.SelectProvider(WorkClassCritic+":"+critic, r.cfg.TokensPerComplexity)
}

// SelectProvider picks a provider, model and reasoning level for a work
// class. The preferred choice wins unless it is unconfigured, fully cooling
// down, or under medium or worse pressure while a healthier alternative
// exists.
func (r *Router) SelectProvider(workClass string, estimatedCost int64) Selection {
	pref := r.prefs.Lookup(workClass)
	cands := pref.candidates()

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	type eval struct {
		configured bool
		eligible   bool
		pressure   Pressure
	}
	evaluate := func(c Choice) eval {
		pool, ok := r.pools[c.Provider]
		if !ok {
			return eval{pressure: PressureCritical}
		}
		return eval{
			configured: true,
			eligible:   pool.eligible(now) > 0,
			pressure:   r.pressureLocked(c.Provider, estimatedCost),
		}
	}

	sel := Selection{WorkClass: workClass, EstimatedCost: estimatedCost}
	pick := func(i int, e eval, reason, rationale string) Selection {
		c := cands[i]
		sel.Provider, sel.Model, sel.ReasoningLevel = c.Provider, c.Model, c.ReasoningLevel
		sel.IsPreferred = i == 0
		sel.SelectionReason = reason
		sel.Rationale = rationale
		sel.Pressure = e.pressure
		sel.candidates = append([]Choice{c}, append(append([]Choice(nil), cands[:i]...), cands[i+1:]...)...)
		return sel
	}

	first := evaluate(cands[0])
	if first.configured && first.eligible && first.pressure == PressureLow {
		return pick(0, first, ReasonPreferred,
			fmt.Sprintf("preferred %s/%s for %s at low pressure", cands[0].Provider, cands[0].Model, workClass))
	}

	for i := 1; i < len(cands); i++ {
		alt := evaluate(cands[i])
		if !alt.configured || !alt.eligible {
			continue
		}
		switch {
		case !first.configured:
			return pick(i, alt, ReasonNotConfigured,
				fmt.Sprintf("preferred provider %s is not configured", cands[0].Provider))
		case !first.eligible:
			return pick(i, alt, ReasonCooldown,
				fmt.Sprintf("all %s accounts cooling down, using %s", cands[0].Provider, cands[i].Provider))
		case alt.pressure < first.pressure:
			return pick(i, alt, ReasonQuotaPressure,
				fmt.Sprintf("%s pressure %s, %s pressure %s", cands[0].Provider, first.pressure, cands[i].Provider, alt.pressure))
		}
	}

	if !first.configured || !first.eligible {
		return pick(0, first, ReasonNoneAvailable,
			fmt.Sprintf("no alternative available for %s", workClass))
	}
	return pick(0, first, ReasonPreferred,
		fmt.Sprintf("preferred %s at %s pressure with no healthier alternative", cands[0].Provider, first.pressure))
}

// ReportUsageLimit puts an account in cooldown for retryAfter, or the
// default backoff when no hint was given.
func (r *Router) ReportUsageLimit(accountID string, retryAfter time.Duration, reason string) error {
	r.mu.Lock()
	a, ok := r.byAccount[accountID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("account %s: %w", accountID, models.ErrNotFound)
	}
	if retryAfter <= 0 {
		retryAfter = r.cfg.DefaultBackoff
	}
	until := r.now().Add(retryAfter)
	a.CooldownUntil = &until
	a.CooldownReason = reason
	snapshot := *a
	hook := r.onCooldown
	r.mu.Unlock()

	log.Printf("[router] account %s (%s) cooling down for %s: %s", accountID, snapshot.Provider, retryAfter, reason)
	hook(snapshot)
	return nil
}

// Acquire returns an account lease for sel. It rotates through the
// selected provider's accounts, then the fallback providers, and sleeps
// through a cooldown no longer than MaxCooldownWait. When nothing can be
// used it returns *models.ExhaustedError.
func (r *Router) Acquire(ctx context.Context, sel Selection) (*Lease, error) {
	policy := RetryPolicy{Deadline: r.clock().Add(r.cfg.MaxCooldownWait)}
	return r.acquire(ctx, sel, &policy)
}

// Do runs fn with an acquired lease. When fn fails with a usage limit the
// account is put in cooldown and fn is retried on the next account, then
// the next provider.
func (r *Router) Do(ctx context.Context, sel Selection, fn func(context.Context, *Lease) error) error {
	// Every candidate account gets its turn before the cap can exhaust.
	limits := r.cfg.MaxUsageLimitRetries
	if n := r.accountCount(sel); n > limits {
		limits = n
	}
	policy := RetryPolicy{
		Deadline:  r.clock().Add(r.cfg.MaxCooldownWait),
		MaxLimits: limits,
	}
	for {
		lease, err := r.acquire(ctx, sel, &policy)
		if err != nil {
			return err
		}
		err = fn(ctx, lease)
		if err == nil {
			return nil
		}
		wait, limited := r.classify(err)
		if !limited {
			return err
		}
		if rerr := r.ReportUsageLimit(lease.Account.ID, wait, err.Error()); rerr != nil {
			return rerr
		}
		policy = policy.Next(RetryEvent{Kind: EventUsageLimit, Account: lease.Account.ID, Now: r.clock()})
		if policy.State == StateExhausted {
			return r.exhausted(sel, policy.Reason)
		}
	}
}

func (r *Router) clock() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now()
}

func (r *Router) acquire(ctx context.Context, sel Selection, policy *RetryPolicy) (*Lease, error) {
	for {
		switch policy.State {
		case StateTrying:
			lease, earliest := r.tryAcquire(sel)
			if lease != nil {
				*policy = policy.Next(RetryEvent{Kind: EventAcquired, Account: lease.Account.ID, Now: r.clock()})
				return lease, nil
			}
			*policy = policy.Next(RetryEvent{Kind: EventNoEligible, EarliestRetry: earliest, Now: r.clock()})
		case StateCooldown:
			wait := policy.Until.Sub(r.clock())
			log.Printf("[router] all accounts for %s cooling down, waiting %s", sel.Provider, wait)
			r.mu.Lock()
			after := r.after
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				*policy = policy.Next(RetryEvent{Kind: EventCanceled})
				return nil, ctx.Err()
			case <-after(wait):
			}
			*policy = policy.Next(RetryEvent{Kind: EventCooldownElapsed, Now: r.clock()})
		default:
			return nil, r.exhausted(sel, policy.Reason)
		}
	}
}

// tryAcquire hands out the next free account across the selection's
// candidates. With none free it returns the earliest cooldown end.
func (r *Router) tryAcquire(sel Selection) (*Lease, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	var earliest time.Time
	seen := make(map[string]bool)
	for _, c := range r.candidatesOf(sel) {
		if seen[c.Provider] {
			continue
		}
		seen[c.Provider] = true
		pool, ok := r.pools[c.Provider]
		if !ok {
			continue
		}
		a, until := pool.next(now)
		if a != nil {
			return &Lease{Choice: c, Account: *a, Failover: c.Provider != sel.Provider}, time.Time{}
		}
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	return nil, earliest
}

// accountCount returns the number of accounts across the selection's
// candidate providers.
func (r *Router) accountCount(sel Selection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	seen := make(map[string]bool)
	for _, c := range r.candidatesOf(sel) {
		if seen[c.Provider] {
			continue
		}
		seen[c.Provider] = true
		if pool, ok := r.pools[c.Provider]; ok {
			n += len(pool.accounts)
		}
	}
	return n
}

func (r *Router) candidatesOf(sel Selection) []Choice {
	if len(sel.candidates) > 0 {
		return sel.candidates
	}
	if sel.Provider != "" {
		return []Choice{sel.Choice()}
	}
	return r.prefs.Lookup(sel.WorkClass).candidates()
}

func (r *Router) exhausted(sel Selection, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &models.ExhaustedError{LastReason: reason}
	seen := make(map[string]bool)
	var last time.Time
	for _, c := range r.candidatesOf(sel) {
		if seen[c.Provider] {
			continue
		}
		seen[c.Provider] = true
		e.Providers = append(e.Providers, c.Provider)
		pool, ok := r.pools[c.Provider]
		if !ok {
			continue
		}
		for _, a := range pool.accounts {
			if a.CooldownUntil == nil {
				continue
			}
			if e.EarliestRetry.IsZero() || a.CooldownUntil.Before(e.EarliestRetry) {
				e.EarliestRetry = *a.CooldownUntil
			}
			if a.CooldownReason != "" && a.CooldownUntil.After(last) {
				last = *a.CooldownUntil
				e.LastReason = reason + ": " + a.CooldownReason
			}
		}
	}
	return e
}
