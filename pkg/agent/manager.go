package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/turnloop/pkg/commandqueue"
	"github.com/harun/turnloop/pkg/session"
	"github.com/harun/turnloop/pkg/tools"
)

// ManagerConfig wires the shared dependencies of every agent.
type ManagerConfig struct {
	Registry *tools.Registry
	Store    session.Store
	Provider CompletionProvider
	Logger   *zerolog.Logger

	// SerializeSessions runs Manager.Run calls on the same session one at a
	// time, in arrival order.
	SerializeSessions bool
	// ToolTimeout bounds a single tool execution. Zero means no limit.
	ToolTimeout time.Duration
	// DefaultMaxTurns applies when RunOptions.MaxTurns is zero.
	DefaultMaxTurns int
}

type providerBox struct {
	p CompletionProvider
}

// Manager owns the agents of a process and the dependencies they share.
type Manager struct {
	registry        *tools.Registry
	store           session.Store
	provider        atomic.Pointer[providerBox]
	logger          zerolog.Logger
	toolTimeout     time.Duration
	defaultMaxTurns int
	queue           *commandqueue.Queue

	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewManager creates a manager. A nil registry or store is replaced by an
// empty registry or an in-memory store.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.ToolTimeout < 0 {
		return nil, fmt.Errorf("%w: tool timeout cannot be negative", ErrInvalidConfig)
	}
	if cfg.DefaultMaxTurns < 0 {
		return nil, fmt.Errorf("%w: default max turns cannot be negative", ErrInvalidConfig)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	m := &Manager{
		registry:        cfg.Registry,
		store:           cfg.Store,
		logger:          logger.With().Str("component", "agent").Logger(),
		toolTimeout:     cfg.ToolTimeout,
		defaultMaxTurns: cfg.DefaultMaxTurns,
		agents:          make(map[string]*Agent),
	}
	if m.registry == nil {
		m.registry = tools.NewRegistry()
	}
	if m.store == nil {
		m.store = session.NewMemoryStore()
	}
	if m.defaultMaxTurns == 0 {
		m.defaultMaxTurns = DefaultMaxTurns
	}
	if cfg.Provider != nil {
		m.provider.Store(&providerBox{p: cfg.Provider})
	}
	if cfg.SerializeSessions {
		m.queue = commandqueue.New(commandqueue.Options{
			Logger:      &m.logger,
			MetricLabel: func(string) string { return "session" },
		})
	}

	return m, nil
}

// GetAgent returns the agent with cfg.ID, creating it from cfg when it does
// not exist yet. An existing agent keeps its original config.
func (m *Manager) GetAgent(cfg Config) (*Agent, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.agents[cfg.ID]; ok {
		return a, nil
	}

	a := &Agent{
		cfg:     cfg.clone(),
		manager: m,
		logger:  m.logger.With().Str("agent_id", cfg.ID).Logger(),
	}
	m.agents[cfg.ID] = a
	m.logger.Info().Str("agent_id", cfg.ID).Str("model", cfg.Model).Msg("Agent created")
	return a, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if cfg.MaxTokens < 0 {
		return fmt.Errorf("%w: max tokens cannot be negative", ErrInvalidConfig)
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidConfig)
	}
	return nil
}

// Agent returns the agent with id.
func (m *Manager) Agent(id string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// Agents returns the ids of all agents, sorted.
func (m *Manager) Agents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemoveAgent forgets an agent. Runs already in progress finish normally.
func (m *Manager) RemoveAgent(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return false
	}
	delete(m.agents, id)
	return true
}

// Run runs the agent with agentID. With SerializeSessions, runs on the same
// session wait for each other in arrival order.
func (m *Manager) Run(ctx context.Context, agentID string, opts RunOptions) (*RunResult, error) {
	a, ok := m.Agent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if m.queue == nil {
		return a.Run(ctx, opts)
	}

	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}

	value, err := m.queue.Enqueue(ctx, laneName(opts.SessionID), func(ctx context.Context) (any, error) {
		return a.Run(ctx, opts)
	})
	if res, ok := value.(*RunResult); ok && res != nil {
		return res, err
	}
	if err != nil && ctx.Err() != nil {
		// Cancelled while waiting for the session lane.
		return a.abortedBeforeStart(ctx, opts.SessionID)
	}
	return nil, err
}

func laneName(sessionID string) string {
	return "session-" + sessionID
}

// DeleteSession removes a stored session.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// SetProvider installs p for subsequent completion requests, including
// those of runs already in progress. A nil p uninstalls the provider.
func (m *Manager) SetProvider(p CompletionProvider) {
	if p == nil {
		m.provider.Store(nil)
		return
	}
	m.provider.Store(&providerBox{p: p})
	m.logger.Info().Str("provider", ProviderName(p)).Msg("Completion provider installed")
}

// Provider returns the installed provider, or nil.
func (m *Manager) Provider() CompletionProvider {
	box := m.provider.Load()
	if box == nil {
		return nil
	}
	return box.p
}

// Registry returns the shared tool registry.
func (m *Manager) Registry() *tools.Registry {
	return m.registry
}

// Store returns the session store.
func (m *Manager) Store() session.Store {
	return m.store
}

// Close stops the session queue. Queued runs fail with commandqueue.ErrClosed
// and running ones are cancelled. The store is not closed.
func (m *Manager) Close() error {
	if m.queue == nil {
		return nil
	}
	return m.queue.Close()
}
