package policy

import (
	"testing"
	"time"
)

func TestValidate_ClampsToDefaults(t *testing.T) {
	c := &Config{}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	def := Default()
	if c.Loop.PollInterval != def.Loop.PollInterval {
		t.Errorf("PollInterval = %s, want %s", c.Loop.PollInterval, def.Loop.PollInterval)
	}
	if c.Dispatch.MaxFailures != 3 || c.Events.BufferSize != 100 {
		t.Errorf("clamped = %+v", c)
	}
	if c.Loop.StuckSweep != "@every 5m" {
		t.Errorf("StuckSweep = %q", c.Loop.StuckSweep)
	}
}

func TestValidate_KeepsValidValues(t *testing.T) {
	c := Default()
	c.Loop.PollInterval = 50 * time.Millisecond
	c.Loop.StuckSweep = "*/10 * * * *"
	c.Dispatch.MaxFailures = 7
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.Loop.PollInterval != 50*time.Millisecond || c.Dispatch.MaxFailures != 7 {
		t.Errorf("valid values changed: %+v", c)
	}
}

func TestValidate_BadSweepSpec(t *testing.T) {
	c := Default()
	c.Loop.StuckSweep = "every so often"
	if err := c.Validate(); err == nil {
		t.Error("expected error for malformed cron spec")
	}
}
