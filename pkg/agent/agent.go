package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/prompt"
	"github.com/harun/turnloop/pkg/session"
	"github.com/harun/turnloop/pkg/tools"
)

const tracerName = "turnloop.agent"

const skippedToolOutput = "skipped: run aborted"

// Agent runs conversations for one agent config. Create agents with
// Manager.GetAgent. An Agent is safe for concurrent use across sessions;
// concurrent runs on the same session must be serialized by the caller.
type Agent struct {
	cfg     Config
	manager *Manager
	logger  zerolog.Logger
}

// ID returns the agent id.
func (a *Agent) ID() string {
	return a.cfg.ID
}

// Config returns a copy of the agent config.
func (a *Agent) Config() Config {
	return a.cfg.clone()
}

// run holds the mutable state of one Run call.
type run struct {
	agent     *Agent
	opts      RunOptions
	sess      *session.Session
	catalog   *tools.Catalog
	specs     []ToolSpec
	system    session.Message
	toolsUsed []string
	usedSet   map[string]bool
	response  string
	turns     int
	logger    zerolog.Logger
}

// Run appends opts.Input to the session and loops until the model answers
// without tool calls, the turn budget is spent or ctx ends.
//
// On OutcomeAborted both a result and an error wrapping ErrAborted are
// returned. When ctx has already ended the stored transcript is returned
// without appending or saving anything. Provider failures return a *ProviderError and no result; the
// stored session is left untouched. A failed save is returned alongside the
// result.
func (a *Agent) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if ctx.Err() != nil {
		return a.abortedBeforeStart(ctx, opts.SessionID)
	}
	if strings.TrimSpace(opts.Input) == "" {
		return nil, ErrEmptyInput
	}
	if a.manager.Provider() == nil {
		return nil, ErrNoProvider
	}

	if opts.MaxTurns <= 0 {
		opts.MaxTurns = a.manager.defaultMaxTurns
	}

	ctx = tracing.NewAgentRunContext(ctx, a.cfg.ID, opts.SessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("agent.id", a.cfg.ID),
		attribute.String("session.id", opts.SessionID),
		attribute.Int("agent.max_turns", opts.MaxTurns),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, a.logger)
	start := time.Now()

	sess, err := a.loadSession(ctx, opts.SessionID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	catalog := a.manager.registry.Snapshot(a.cfg.Tools)
	r := &run{
		agent:   a,
		opts:    opts,
		sess:    sess,
		catalog: catalog,
		specs:   toolSpecs(catalog.Tools()),
		system: session.Message{
			Role: session.RoleSystem,
			Content: prompt.Build(prompt.Params{
				AgentID:      a.cfg.ID,
				AgentName:    a.cfg.Name,
				Tools:        prompt.ToolInfos(catalog.Tools()),
				CustomPrompt: a.cfg.SystemPrompt,
				Env:          prompt.DefaultEnv(a.cfg.WorkspaceRoot),
			}),
			Timestamp: time.Now().UTC(),
		},
		usedSet: make(map[string]bool),
		logger:  logger,
	}

	logger.Info().
		Int("history", len(sess.Messages)).
		Int("tools", catalog.Len()).
		Msg("Agent run started")

	r.append(session.Message{Role: session.RoleUser, Content: opts.Input, Timestamp: time.Now().UTC()})

	outcome, runErr := r.loop(ctx)
	if runErr != nil && outcome != OutcomeAborted {
		// Provider failure: nothing of this run is persisted.
		tracing.RecordError(span, runErr)
		observability.RecordAgentRun(a.cfg.ID, "error", time.Since(start), r.turns)
		logger.Error().Err(runErr).Int("turns", r.turns).Msg("Agent run failed")
		return nil, runErr
	}

	result := &RunResult{
		SessionID: sess.ID,
		Response:  r.response,
		ToolsUsed: r.toolsUsed,
		Outcome:   outcome,
		Turns:     r.turns,
	}
	if result.ToolsUsed == nil {
		result.ToolsUsed = []string{}
	}

	sess.Touch()
	if err := a.manager.store.Save(context.WithoutCancel(ctx), sess); err != nil {
		saveErr := fmt.Errorf("failed to save session: %w", err)
		logger.Error().Err(err).Msg("Failed to save session")
		runErr = errors.Join(runErr, saveErr)
	}
	result.Messages = session.CloneMessages(sess.Messages)

	span.SetAttributes(
		attribute.String("agent.outcome", outcome.String()),
		attribute.Int("agent.turns", r.turns),
	)
	tracing.RecordError(span, runErr)
	observability.RecordAgentRun(a.cfg.ID, outcome.String(), time.Since(start), r.turns)

	logger.Info().
		Str("outcome", outcome.String()).
		Int("turns", r.turns).
		Strs("tools_used", result.ToolsUsed).
		Dur("duration", time.Since(start)).
		Msg("Agent run finished")

	return result, runErr
}

// abortedBeforeStart answers a run whose ctx ended before it started. The
// stored transcript is returned as is and nothing is saved.
func (a *Agent) abortedBeforeStart(ctx context.Context, sessionID string) (*RunResult, error) {
	cause := abortError(ctx.Err())
	res := &RunResult{
		SessionID: sessionID,
		Messages:  []session.Message{},
		ToolsUsed: []string{},
		Outcome:   OutcomeAborted,
	}

	sess, err := a.loadSession(context.WithoutCancel(ctx), sessionID)
	if err != nil {
		return res, errors.Join(cause, err)
	}
	res.Messages = session.CloneMessages(sess.Messages)
	return res, cause
}

func (a *Agent) loadSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := a.manager.store.Load(ctx, id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return session.New(id, a.cfg.ID), nil
	case err != nil:
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	if sess.AgentID == "" {
		sess.AgentID = a.cfg.ID
	}
	if sess.AgentID != a.cfg.ID {
		return nil, fmt.Errorf("%w: session %s is owned by %s", ErrSessionOwnership, id, sess.AgentID)
	}
	return sess, nil
}

func toolSpecs(ts []tools.Tool) []ToolSpec {
	specs := make([]ToolSpec, 0, len(ts))
	for _, t := range ts {
		specs = append(specs, ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return specs
}

// loop runs turns until a terminal outcome. A non-nil error with an outcome
// other than OutcomeAborted is a provider failure.
func (r *run) loop(ctx context.Context) (Outcome, error) {
	for r.turns < r.opts.MaxTurns {
		if err := ctx.Err(); err != nil {
			return OutcomeAborted, abortError(err)
		}
		r.turns++

		completion, err := r.complete(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return OutcomeAborted, abortError(ctxErr)
			}
			return OutcomeDone, err
		}

		assistant := session.Message{
			Role:      session.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: normalizeToolCalls(completion.ToolCalls),
			Timestamp: time.Now().UTC(),
		}
		r.append(assistant)
		r.response = assistant.Content

		if len(assistant.ToolCalls) == 0 {
			return OutcomeDone, nil
		}

		if err := r.executeToolCalls(ctx, assistant.ToolCalls); err != nil {
			return OutcomeAborted, err
		}
	}

	r.logger.Warn().Int("max_turns", r.opts.MaxTurns).Msg("Agent run reached max turns")
	return OutcomeMaxTurns, nil
}

func (r *run) complete(ctx context.Context) (*Completion, error) {
	provider := r.agent.manager.Provider()
	if provider == nil {
		return nil, ErrNoProvider
	}
	name := ProviderName(provider)

	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.turn",
		attribute.Int("agent.turn", r.turns),
		attribute.String("provider", name),
	)
	defer span.End()

	messages := make([]session.Message, 0, len(r.sess.Messages)+1)
	messages = append(messages, r.system)
	messages = append(messages, session.CloneMessages(r.sess.Messages)...)

	req := CompletionRequest{
		Messages: messages,
		Tools:    append([]ToolSpec(nil), r.specs...),
		Config:   r.agent.cfg.clone(),
	}

	start := time.Now()
	completion, err := provider.Complete(ctx, req)
	if err == nil && completion == nil {
		err = errors.New("provider returned no completion")
	}
	observability.RecordProviderCall(name, time.Since(start), err == nil)

	if err != nil {
		tracing.RecordError(span, err)
		var perr *ProviderError
		if errors.As(err, &perr) || errors.Is(err, ErrNoProvider) {
			return nil, err
		}
		return nil, &ProviderError{Provider: name, Err: err}
	}

	r.logger.Debug().
		Int("turn", r.turns).
		Int("tool_calls", len(completion.ToolCalls)).
		Msg("Completion received")
	return completion, nil
}

// executeToolCalls answers every call in order. When ctx ends, the calls not
// yet started are answered with a skipped message and the abort error is
// returned.
func (r *run) executeToolCalls(ctx context.Context, calls []session.ToolCall) error {
	tc := tools.Context{
		AgentID:       r.agent.cfg.ID,
		SessionID:     r.sess.ID,
		WorkspaceRoot: r.agent.cfg.WorkspaceRoot,
	}

	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			for _, pending := range calls[i:] {
				r.append(session.Message{
					Role:       session.RoleTool,
					Content:    tools.Format(tools.Fail(skippedToolOutput)),
					ToolCallID: pending.ID,
					ToolName:   pending.Name,
					IsError:    true,
					Timestamp:  time.Now().UTC(),
				})
			}
			r.logger.Info().Int("skipped", len(calls)-i).Msg("Skipped pending tool calls")
			return abortError(err)
		}

		result := r.executeTool(ctx, call, tc)
		r.append(session.Message{
			Role:       session.RoleTool,
			Content:    tools.Format(result),
			ToolCallID: call.ID,
			ToolName:   call.Name,
			IsError:    !result.Success,
			Timestamp:  time.Now().UTC(),
		})
	}
	return nil
}

func (r *run) executeTool(ctx context.Context, call session.ToolCall, tc tools.Context) tools.Result {
	r.onToolStart(call.Name, call.Input)

	tool, ok := r.catalog.Get(call.Name)
	if !ok {
		result := tools.Fail(fmt.Sprintf("tool not found: %s", call.Name))
		r.logger.Warn().Str("tool", call.Name).Msg("Model requested unknown tool")
		r.onToolEnd(call.Name, result)
		return result
	}

	if !r.usedSet[call.Name] {
		r.usedSet[call.Name] = true
		r.toolsUsed = append(r.toolsUsed, call.Name)
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.tool",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	defer span.End()

	start := time.Now()
	var result tools.Result
	if err := r.catalog.Validate(call.Name, call.Input); err != nil {
		result = tools.Fail(err.Error())
	} else {
		result = r.invoke(ctx, tool, cloneInput(call.Input), tc)
	}
	duration := time.Since(start)

	observability.RecordToolExecution(call.Name, duration, result.Success)
	if !result.Success {
		span.SetAttributes(attribute.String("tool.error", result.Error))
	}

	r.logger.Debug().
		Str("tool", call.Name).
		Bool("success", result.Success).
		Dur("duration", duration).
		Msg("Tool executed")

	r.onToolEnd(call.Name, result)
	return result
}

// invoke calls the tool with the per-tool timeout and turns errors and
// panics into failing results.
func (r *run) invoke(parent context.Context, tool tools.Tool, input map[string]any, tc tools.Context) (result tools.Result) {
	ctx := parent
	timeout := r.agent.manager.toolTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("tool", tool.Name()).Interface("panic", rec).Msg("Tool panicked")
			result = tools.Fail(fmt.Sprintf("tool panicked: %v", rec))
		}
	}()

	if input == nil {
		input = map[string]any{}
	}
	res, err := tool.Execute(ctx, input, tc)
	if err != nil {
		if timeout > 0 && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return tools.Fail(fmt.Sprintf("tool timed out after %s", timeout))
		}
		return tools.Fail(err.Error())
	}
	return res
}

// append adds msg to the transcript and notifies the observer.
func (r *run) append(msg session.Message) {
	r.sess.Append(msg)
	if r.opts.OnMessage == nil {
		return
	}
	r.safely("OnMessage", func() { r.opts.OnMessage(msg.Clone()) })
}

func (r *run) onToolStart(name string, input map[string]any) {
	if r.opts.OnToolStart == nil {
		return
	}
	r.safely("OnToolStart", func() { r.opts.OnToolStart(name, cloneInput(input)) })
}

func (r *run) onToolEnd(name string, result tools.Result) {
	if r.opts.OnToolEnd == nil {
		return
	}
	r.safely("OnToolEnd", func() { r.opts.OnToolEnd(name, result) })
}

func (r *run) safely(observer string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("observer", observer).Interface("panic", rec).Msg("Run observer panicked")
		}
	}()
	fn()
}

func cloneInput(input map[string]any) map[string]any {
	msg := session.Message{ToolCalls: []session.ToolCall{{Input: input}}}.Clone()
	return msg.ToolCalls[0].Input
}

// normalizeToolCalls gives every call a unique non-empty id so each tool
// message can be matched to its call.
func normalizeToolCalls(calls []session.ToolCall) []session.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]session.ToolCall, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, call := range calls {
		if call.ID == "" || seen[call.ID] {
			call.ID = newToolCallID()
		}
		if call.Input == nil {
			call.Input = map[string]any{}
		}
		seen[call.ID] = true
		out[i] = call
	}
	return out
}

func newToolCallID() string {
	id, err := gonanoid.New(16)
	if err != nil {
		return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return "call_" + id
}
