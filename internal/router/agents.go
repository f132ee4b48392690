// Package router tracks worker agents and credentialed provider accounts, and
// picks the provider, model and account for each unit of work.
package router

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// noCoordinator marks an empty coordinator slot.
const noCoordinator = -1

// AgentPool owns every Agent record. The coordinator is an index into the
// arena, so promotion never creates a second owner.
type AgentPool struct {
	mu          sync.Mutex
	agents      []models.Agent
	index       map[string]int
	coordinator int
	// wake is closed and replaced whenever an agent becomes idle.
	wake chan struct{}
}

// NewAgentPool creates an empty pool.
func NewAgentPool() *AgentPool {
	return &AgentPool{
		index:       make(map[string]int),
		coordinator: noCoordinator,
		wake:        make(chan struct{}),
	}
}

// Add registers an idle agent and returns its id. An empty ID is replaced
// with a generated one. The first agent added becomes the coordinator. An
// empty ProviderType lets the agent serve any provider.
func (p *AgentPool) Add(a models.Agent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a.ID == "" {
		a.ID = "agent-" + uuid.New().String()[:8]
	}
	if _, ok := p.index[a.ID]; ok {
		return "", fmt.Errorf("agent %s: %w", a.ID, models.ErrAlreadyExists)
	}
	a.Status = models.AgentStatusIdle
	a.CurrentTaskID = ""
	a.Role = models.AgentRoleWorker
	p.agents = append(p.agents, a)
	i := len(p.agents) - 1
	p.index[a.ID] = i
	if p.coordinator == noCoordinator {
		p.coordinator = i
		p.agents[i].Role = models.AgentRoleCoordinator
	}
	p.broadcastLocked()
	return a.ID, nil
}

// Get returns a copy of the agent.
func (p *AgentPool) Get(id string) (models.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[id]
	if !ok {
		return models.Agent{}, fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	return p.agents[i], nil
}

// List returns copies of all agents in registration order.
func (p *AgentPool) List() []models.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Agent, len(p.agents))
	copy(out, p.agents)
	return out
}

// Coordinator returns the current coordinator, if any.
func (p *AgentPool) Coordinator() (models.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.coordinator == noCoordinator {
		return models.Agent{}, false
	}
	return p.agents[p.coordinator], true
}

// Promote makes id the coordinator and demotes the previous one.
func (p *AgentPool) Promote(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	if p.coordinator != noCoordinator {
		p.agents[p.coordinator].Role = models.AgentRoleWorker
	}
	p.coordinator = i
	p.agents[i].Role = models.AgentRoleCoordinator
	return nil
}

// SetOffline takes an agent out of rotation, or brings it back.
func (p *AgentPool) SetOffline(id string, offline bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	switch {
	case offline:
		p.agents[i].Status = models.AgentStatusOffline
	case p.agents[i].CurrentTaskID != "":
		p.agents[i].Status = models.AgentStatusBusy
	default:
		p.agents[i].Status = models.AgentStatusIdle
		p.broadcastLocked()
	}
	return nil
}

// Reserve blocks until an idle agent able to serve provider is available,
// marks it busy on taskID and returns a copy. It fails fast with
// ErrNotFound when no agent could ever serve provider.
func (p *AgentPool) Reserve(ctx context.Context, provider, taskID string) (models.Agent, error) {
	for {
		p.mu.Lock()
		capable := false
		for i := range p.agents {
			a := &p.agents[i]
			if a.ProviderType != "" && a.ProviderType != provider {
				continue
			}
			capable = true
			if a.Status != models.AgentStatusIdle {
				continue
			}
			a.Status = models.AgentStatusBusy
			a.CurrentTaskID = taskID
			out := *a
			p.mu.Unlock()
			return out, nil
		}
		wake := p.wake
		p.mu.Unlock()

		if !capable {
			return models.Agent{}, fmt.Errorf("no agent for provider %s: %w", provider, models.ErrNotFound)
		}
		select {
		case <-ctx.Done():
			return models.Agent{}, ctx.Err()
		case <-wake:
		}
	}
}

// Release returns a reserved agent to the pool and records the outcome.
func (p *AgentPool) Release(id string, success bool, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	a := &p.agents[i]
	if a.Status != models.AgentStatusBusy {
		log.Printf("[router] release of agent %s in status %s ignored", id, a.Status)
		return nil
	}
	a.RecordOutcome(success, d)
	a.CurrentTaskID = ""
	a.Status = models.AgentStatusIdle
	p.broadcastLocked()
	return nil
}

func (p *AgentPool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}
