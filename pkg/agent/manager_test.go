package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/commandqueue"
	"github.com/harun/turnloop/pkg/session"
)

func TestNewManager(t *testing.T) {
	t.Run("should fill in defaults", func(t *testing.T) {
		m, err := NewManager(ManagerConfig{})
		require.NoError(t, err)
		assert.NotNil(t, m.Registry())
		assert.NotNil(t, m.Store())
		assert.Nil(t, m.Provider())
		assert.Equal(t, DefaultMaxTurns, m.defaultMaxTurns)
		assert.NoError(t, m.Close())
	})

	t.Run("should reject negative limits", func(t *testing.T) {
		_, err := NewManager(ManagerConfig{ToolTimeout: -time.Second})
		assert.ErrorIs(t, err, ErrInvalidConfig)

		_, err = NewManager(ManagerConfig{DefaultMaxTurns: -1})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestManagerAgents(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)

	t.Run("should validate configs", func(t *testing.T) {
		_, err := m.GetAgent(Config{})
		assert.ErrorIs(t, err, ErrInvalidConfig)

		_, err = m.GetAgent(Config{ID: "hot", Temperature: 2.5})
		assert.ErrorIs(t, err, ErrInvalidConfig)

		_, err = m.GetAgent(Config{ID: "big", MaxTokens: -1})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("should create once and return the existing agent afterwards", func(t *testing.T) {
		a, err := m.GetAgent(Config{ID: "b", Model: "first"})
		require.NoError(t, err)
		again, err := m.GetAgent(Config{ID: "b", Model: "second"})
		require.NoError(t, err)

		assert.Same(t, a, again)
		assert.Equal(t, "first", again.Config().Model)
	})

	t.Run("should copy the config", func(t *testing.T) {
		toolNames := []string{"echo"}
		a, err := m.GetAgent(Config{ID: "c", Tools: toolNames})
		require.NoError(t, err)

		toolNames[0] = "changed"
		assert.Equal(t, []string{"echo"}, a.Config().Tools)
	})

	t.Run("should list, look up and remove agents", func(t *testing.T) {
		_, err := m.GetAgent(Config{ID: "a"})
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "b", "c"}, m.Agents())

		a, ok := m.Agent("a")
		require.True(t, ok)
		assert.Equal(t, "a", a.ID())

		assert.True(t, m.RemoveAgent("a"))
		assert.False(t, m.RemoveAgent("a"))
		_, ok = m.Agent("a")
		assert.False(t, ok)
	})
}

func TestManagerRun(t *testing.T) {
	t.Run("should fail for unknown agents", func(t *testing.T) {
		m, err := NewManager(ManagerConfig{Provider: script()})
		require.NoError(t, err)

		_, err = m.Run(context.Background(), "ghost", RunOptions{Input: "hi"})
		assert.ErrorIs(t, err, ErrAgentNotFound)
	})

	t.Run("should run directly without session serialization", func(t *testing.T) {
		f := setup(t, script(reply("hello")))

		res, err := f.manager.Run(context.Background(), "tester", RunOptions{Input: "hi", SessionID: "s"})
		require.NoError(t, err)
		assert.Equal(t, "hello", res.Response)
	})

	t.Run("should delete sessions", func(t *testing.T) {
		f := setup(t, script())

		_, err := f.manager.Run(context.Background(), "tester", RunOptions{Input: "hi", SessionID: "gone"})
		require.NoError(t, err)

		require.NoError(t, f.manager.DeleteSession(context.Background(), "gone"))
		_, err = f.store.Load(context.Background(), "gone")
		assert.ErrorIs(t, err, session.ErrNotFound)
	})
}

// gatedProvider blocks every request until release is closed and tracks how
// many requests run at once.
type gatedProvider struct {
	release chan struct{}
	entered chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (p *gatedProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	p.entered <- struct{}{}
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Completion{Content: "reply to " + req.Messages[len(req.Messages)-1].Content}, nil
}

func TestManagerSerializeSessions(t *testing.T) {
	t.Run("should run one turn loop per session at a time", func(t *testing.T) {
		p := &gatedProvider{release: make(chan struct{}), entered: make(chan struct{}, 4)}
		f := setup(t, p, func(m *ManagerConfig, c *Config) { m.SerializeSessions = true })

		var wg sync.WaitGroup
		results := make([]*RunResult, 2)
		for i, input := range []string{"first", "second"} {
			wg.Add(1)
			go func(i int, input string) {
				defer wg.Done()
				res, err := f.manager.Run(context.Background(), "tester", RunOptions{Input: input, SessionID: "s"})
				assert.NoError(t, err)
				results[i] = res
			}(i, input)
			if i == 0 {
				<-p.entered
			}
		}

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(1), p.active.Load())

		close(p.release)
		<-p.entered
		wg.Wait()

		assert.Equal(t, int32(1), p.peak.Load())

		stored, err := f.store.Load(context.Background(), "s")
		require.NoError(t, err)
		assert.Equal(t, []session.Role{
			session.RoleUser, session.RoleAssistant,
			session.RoleUser, session.RoleAssistant,
		}, roles(stored.Messages))
		assert.Equal(t, "reply to first", stored.Messages[1].Content)
		assert.Equal(t, "reply to second", stored.Messages[3].Content)
	})

	t.Run("should allow different sessions to run concurrently", func(t *testing.T) {
		p := &gatedProvider{release: make(chan struct{}), entered: make(chan struct{}, 4)}
		f := setup(t, p, func(m *ManagerConfig, c *Config) { m.SerializeSessions = true })

		var wg sync.WaitGroup
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.manager.Run(context.Background(), "tester", RunOptions{Input: "hi", SessionID: id})
				assert.NoError(t, err)
			}(id)
		}

		<-p.entered
		<-p.entered
		assert.Equal(t, int32(2), p.peak.Load())

		close(p.release)
		wg.Wait()
	})

	t.Run("should abort a run cancelled while waiting for its session", func(t *testing.T) {
		p := &gatedProvider{release: make(chan struct{}), entered: make(chan struct{}, 4)}
		f := setup(t, p, func(m *ManagerConfig, c *Config) { m.SerializeSessions = true })

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := f.manager.Run(context.Background(), "tester", RunOptions{Input: "first", SessionID: "s"})
			assert.NoError(t, err)
		}()
		<-p.entered

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		res, err := f.manager.Run(ctx, "tester", RunOptions{Input: "second", SessionID: "s"})
		assert.ErrorIs(t, err, ErrAborted)
		require.NotNil(t, res)
		assert.Equal(t, OutcomeAborted, res.Outcome)
		assert.Equal(t, "s", res.SessionID)

		close(p.release)
		<-done

		stored, err := f.store.Load(context.Background(), "s")
		require.NoError(t, err)
		assert.Len(t, stored.Messages, 2)
	})

	t.Run("should reject runs after close", func(t *testing.T) {
		f := setup(t, script(), func(m *ManagerConfig, c *Config) { m.SerializeSessions = true })
		require.NoError(t, f.manager.Close())

		_, err := f.manager.Run(context.Background(), "tester", RunOptions{Input: "hi", SessionID: "s"})
		assert.ErrorIs(t, err, commandqueue.ErrClosed)
	})
}
