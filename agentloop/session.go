package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/taskpilot/unifiedllm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Phase is a state of the decision loop.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseAnalyze       Phase = "ANALYZE"
	PhaseDispatchTools Phase = "DISPATCH_TOOLS"
	PhaseVerify        Phase = "VERIFY"
	PhaseReport        Phase = "REPORT"
	PhaseDone          Phase = "DONE"
)

var (
	// ErrGatewayFatal wraps a model failure during analysis.
	ErrGatewayFatal = errors.New("model gateway failed")
	// ErrReportFailed wraps a failed or malformed report call.
	ErrReportFailed = errors.New("report generation failed")
	// ErrSessionUsed is returned by a second call to Run.
	ErrSessionUsed = errors.New("session already ran")
)

// Config holds the settings of one run. It does not change while the run
// is in progress.
type Config struct {
	Model       string   `json:"model"`
	Provider    string   `json:"provider,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	RecursionLimit       int      `json:"recursion_limit"`
	MaxModelCalls        int      `json:"max_model_calls,omitempty"` // 0 = bounded by RecursionLimit only
	VerificationCap      int      `json:"verification_cap"`
	ModificationKeywords []string `json:"modification_keywords,omitempty"`

	Retry            unifiedllm.RetryPolicy `json:"-"`
	ParallelTools    bool                   `json:"parallel_tools"`
	MaxParallelTools int                    `json:"max_parallel_tools"`
	ForceToolUse     bool                   `json:"force_tool_use"`

	SystemPrompt     string `json:"system_prompt,omitempty"`     // replaces DefaultSystemDirective
	UserInstructions string `json:"user_instructions,omitempty"` // appended last to the system prompt
	ReportLanguage   string `json:"report_language,omitempty"`

	ToolOutputLimits    map[string]int `json:"tool_output_limits,omitempty"`
	ToolLineLimits      map[string]int `json:"tool_line_limits,omitempty"`
	EnableLoopDetection bool           `json:"enable_loop_detection"`
	LoopDetectionWindow int            `json:"loop_detection_window"`
	EventBuffer         int            `json:"event_buffer"`
}

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	return Config{
		Model:               unifiedllm.DefaultGeminiModel,
		Provider:            "gemini",
		RecursionLimit:      50,
		VerificationCap:     DefaultVerificationCap,
		Retry:               unifiedllm.DefaultRetryPolicy(),
		MaxParallelTools:    4,
		EnableLoopDetection: true,
		LoopDetectionWindow: DefaultLoopDetectionWindow,
		EventBuffer:         256,
	}
}

// Ceiling returns the maximum number of analysis calls before the loop is
// forced to verification.
func (c Config) Ceiling() int {
	limit := c.RecursionLimit
	if c.MaxModelCalls > 0 && c.MaxModelCalls < limit {
		limit = c.MaxModelCalls
	}
	return limit
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.RecursionLimit <= 0 {
		c.RecursionLimit = d.RecursionLimit
	}
	if c.VerificationCap <= 0 {
		c.VerificationCap = d.VerificationCap
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry = d.Retry
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = d.MaxParallelTools
	}
	if c.LoopDetectionWindow <= 0 {
		c.LoopDetectionWindow = d.LoopDetectionWindow
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Session runs one task through the decision loop. A Session is single use.
type Session struct {
	id           string
	cfg          Config
	registry     *ToolRegistry
	gateway      *Gateway
	gate         *VerificationGate
	truncator    *Truncator
	reportSchema *OutputSchema
	checkpointer Checkpointer
	emitter      *EventEmitter
	env          ExecutionEnvironment
	logger       *zap.Logger

	mu      sync.Mutex
	state   *ConversationState
	phase   Phase
	seq     int
	started bool
	prompt  string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCheckpointer replaces the in-memory checkpointer.
func WithCheckpointer(c Checkpointer) SessionOption {
	return func(s *Session) {
		if c != nil {
			s.checkpointer = c
		}
	}
}

// WithEnvironment adds the environment block and project docs to the
// system directive.
func WithEnvironment(env ExecutionEnvironment) SessionOption {
	return func(s *Session) { s.env = env }
}

// WithSessionID overrides the generated run id.
func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// NewSession wires a session around client and registry. A nil registry
// means the model gets no tools.
func NewSession(client Completer, registry *ToolRegistry, cfg Config, opts ...SessionOption) (*Session, error) {
	if client == nil {
		return nil, errors.New("agentloop: nil model client")
	}
	if registry == nil {
		var err error
		if registry, err = NewToolRegistry(nil); err != nil {
			return nil, err
		}
	}
	schema, err := NewReportSchema()
	if err != nil {
		return nil, err
	}

	cfg = cfg.normalized()
	s := &Session{
		id:           uuid.New().String(),
		cfg:          cfg,
		registry:     registry,
		gate:         NewVerificationGate(cfg.ModificationKeywords, cfg.VerificationCap, registry),
		truncator:    NewTruncator(cfg.ToolOutputLimits, cfg.ToolLineLimits),
		reportSchema: schema,
		checkpointer: NewMemoryCheckpointer(),
		logger:       zap.NewNop(),
		phase:        PhaseIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("run_id", s.id))
	s.emitter = NewEventEmitter(s.id, cfg.EventBuffer)
	s.gateway = NewGateway(client, registry, GatewayConfig{
		Model:        cfg.Model,
		Provider:     cfg.Provider,
		Temperature:  cfg.Temperature,
		Retry:        cfg.Retry,
		ForceToolUse: cfg.ForceToolUse,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			s.emitter.Emit(EventRetry, map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
		},
	}, s.logger)
	return s, nil
}

// ID returns the run id.
func (s *Session) ID() string { return s.id }

// Events returns the event channel for the host application.
func (s *Session) Events() <-chan RunEvent { return s.emitter.Events() }

// Checkpointer returns the store receiving per-phase checkpoints.
func (s *Session) Checkpointer() Checkpointer { return s.checkpointer }

// Phase returns the phase currently executing.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Snapshot returns a copy of the conversation state. It is empty before Run.
func (s *Session) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return StateSnapshot{}
	}
	return s.state.Snapshot()
}

// Close closes the event channel.
func (s *Session) Close() { s.emitter.Close() }

// Run executes task to completion and returns the report. The run fails
// without a report when the model cannot be reached, the report is
// malformed, or ctx is cancelled.
func (s *Session) Run(ctx context.Context, task string) (*Report, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, ErrSessionUsed
	}
	s.started = true
	s.state = NewConversationState(task)
	s.prompt = BuildSystemPrompt(s.cfg.SystemPrompt, s.env, s.cfg.Model, s.cfg.UserInstructions)
	s.mu.Unlock()

	s.logger.Info("run started", zap.String("model", s.cfg.Model), zap.Int("tools", s.registry.Count()))
	s.emitter.Emit(EventRunStart, map[string]interface{}{
		"task":  task,
		"model": s.cfg.Model,
	})

	phase := PhaseAnalyze
	for phase != PhaseDone {
		if err := ctx.Err(); err != nil {
			return nil, s.fail(phase, err)
		}
		s.enter(phase)

		var next Phase
		var err error
		switch phase {
		case PhaseAnalyze:
			next, err = s.analyze(ctx)
		case PhaseDispatchTools:
			next = s.dispatch(ctx)
		case PhaseVerify:
			next = s.verify()
		case PhaseReport:
			next, err = s.report(ctx)
		default:
			err = fmt.Errorf("agentloop: unknown phase %q", phase)
		}
		if err != nil {
			return nil, s.fail(phase, err)
		}
		s.checkpoint(ctx, phase)
		phase = next
	}
	s.enter(PhaseDone)

	report := s.Snapshot().FinalReport
	s.logger.Info("run finished",
		zap.String("status", string(report.Status)),
		zap.Int("iterations", s.Snapshot().IterationCount),
	)
	s.emitter.Emit(EventRunEnd, map[string]interface{}{"status": string(report.Status)})
	return report, nil
}

func (s *Session) enter(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	s.logger.Debug("phase", zap.String("phase", string(p)))
	s.emitter.Emit(EventPhase, map[string]interface{}{"phase": string(p)})
}

func (s *Session) fail(p Phase, err error) error {
	s.logger.Error("run failed", zap.String("phase", string(p)), zap.Error(err))
	s.emitter.Emit(EventError, map[string]interface{}{
		"phase": string(p),
		"error": err.Error(),
	})
	s.emitter.Emit(EventRunEnd, map[string]interface{}{"error": err.Error()})
	return err
}

// mutate applies fn to the state under the observer lock.
func (s *Session) mutate(fn func(st *ConversationState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// messages renders the history for a model request, prefixed with the
// system directive unless the history has its own.
func (s *Session) messages() []unifiedllm.Message {
	s.mu.Lock()
	turns := s.state.Turns()
	hasSystem := s.state.HasSystemTurn()
	s.mu.Unlock()

	msgs := ConvertHistoryToMessages(turns, s.truncator.Result)
	if hasSystem {
		return msgs
	}
	return append([]unifiedllm.Message{unifiedllm.SystemMessage(s.prompt)}, msgs...)
}

func (s *Session) analyze(ctx context.Context) (Phase, error) {
	s.emitter.Emit(EventAnalyzeStart, map[string]interface{}{
		"iteration": s.Snapshot().IterationCount + 1,
	})

	res, err := s.gateway.Invoke(ctx, ModeTools, s.messages(), nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %w", ErrGatewayFatal, err)
	}

	resp := res.Response
	calls := resp.ToolCalls()
	var iteration int
	s.mutate(func(st *ConversationState) {
		st.Append(NewAssistantTurn(resp.Text(), calls, resp.Usage, resp.ID))
		iteration = st.incrementIteration()
	})
	if text := resp.Text(); text != "" {
		s.emitter.Emit(EventAssistantText, map[string]interface{}{"text": text})
	}
	s.logger.Debug("analysis complete",
		zap.Int("iteration", iteration),
		zap.Int("tool_calls", len(calls)),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
	)
	s.checkContextUsage()

	if len(calls) == 0 {
		return PhaseVerify, nil
	}
	if ceiling := s.cfg.Ceiling(); iteration >= ceiling {
		// Every request still gets exactly one result.
		s.mutate(func(st *ConversationState) {
			for _, c := range calls {
				st.Append(NewSkippedToolResultTurn(c.ID, c.Name, "iteration limit reached, not executed"))
			}
		})
		s.logger.Warn("iteration ceiling reached", zap.Int("ceiling", ceiling), zap.Int("pending", len(calls)))
		s.emitter.Emit(EventTurnLimit, map[string]interface{}{
			"iteration": iteration,
			"ceiling":   ceiling,
			"pending":   len(calls),
		})
		return PhaseVerify, nil
	}
	return PhaseDispatchTools, nil
}

func (s *Session) dispatch(ctx context.Context) Phase {
	s.mu.Lock()
	last, _ := s.state.Last()
	s.mu.Unlock()
	calls := last.ToolCalls()

	results := make([]ToolResult, len(calls))
	if s.cfg.ParallelTools && len(calls) > 1 {
		var g errgroup.Group
		g.SetLimit(s.cfg.MaxParallelTools)
		for i, call := range calls {
			g.Go(func() error {
				results[i] = s.executeTool(ctx, call)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, call := range calls {
			results[i] = s.executeTool(ctx, call)
		}
	}

	var history []Turn
	s.mutate(func(st *ConversationState) {
		for i, call := range calls {
			st.Append(NewToolResultTurn(call.ID, call.Name, results[i]))
		}
		if s.cfg.EnableLoopDetection {
			history = st.Turns()
		}
	})

	if s.cfg.EnableLoopDetection && DetectLoop(history, s.cfg.LoopDetectionWindow) {
		msg := fmt.Sprintf("the last %d tool calls follow a repeating pattern", s.cfg.LoopDetectionWindow)
		s.logger.Warn("loop detected", zap.Int("window", s.cfg.LoopDetectionWindow))
		s.emitter.Emit(EventLoopDetection, map[string]interface{}{"message": msg})
	}
	return PhaseAnalyze
}

func (s *Session) executeTool(ctx context.Context, call unifiedllm.ToolCall) ToolResult {
	s.emitter.Emit(EventToolCallStart, map[string]interface{}{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"arguments": string(call.Arguments),
	})

	start := time.Now()
	result := s.registry.Execute(ctx, call)
	elapsed := time.Since(start)

	data := map[string]interface{}{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"status":    string(result.Status),
		"duration":  elapsed.String(),
	}
	if msg := result.Message(); msg != "" {
		data["message"] = msg
	}
	s.emitter.Emit(EventToolCallEnd, data)

	fields := []zap.Field{
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", elapsed),
	}
	if result.Status == StatusError {
		s.logger.Warn("tool error", append(fields, zap.String("message", result.Message()))...)
	} else {
		s.logger.Debug("tool finished", fields...)
	}
	return result
}

func (s *Session) verify() Phase {
	s.mu.Lock()
	v := s.gate.Check(s.state)
	s.mu.Unlock()

	switch {
	case v.Reenter:
		msg := s.gate.CorrectiveMessage(v.Attempt)
		s.mutate(func(st *ConversationState) {
			st.incrementVerification()
			st.Append(NewCorrectiveTurn(msg, v.Attempt))
		})
		s.logger.Warn("verification failed, re-entering analysis",
			zap.Int("attempt", v.Attempt),
			zap.Int("cap", s.gate.Cap()),
			zap.String("keyword", v.Matched),
		)
		s.emitter.Emit(EventVerificationFailed, map[string]interface{}{
			"attempt": v.Attempt,
			"cap":     s.gate.Cap(),
		})
		return PhaseAnalyze
	case v.Shortfall:
		s.mutate(func(st *ConversationState) { st.markShortfall() })
		s.logger.Warn("verification cap exhausted without a file change", zap.Int("cap", s.gate.Cap()))
		s.emitter.Emit(EventVerificationFailed, map[string]interface{}{
			"cap":       s.gate.Cap(),
			"shortfall": true,
		})
		return PhaseReport
	default:
		s.emitter.Emit(EventVerificationPassed, map[string]interface{}{
			"intent": v.Intent,
			"wrote":  v.Wrote,
		})
		return PhaseReport
	}
}

func (s *Session) report(ctx context.Context) (Phase, error) {
	shortfall := s.Snapshot().VerificationShortfall
	msgs := append(s.messages(), unifiedllm.UserMessage(reportInstruction(shortfall, s.cfg.ReportLanguage)))

	res, err := s.gateway.Invoke(ctx, ModeStructured, msgs, s.reportSchema)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %w", ErrReportFailed, err)
	}
	report, err := decodeReport(res.Object, shortfall)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrReportFailed, err)
	}

	s.mutate(func(st *ConversationState) { st.setReport(report) })
	if report.Downgraded {
		s.logger.Warn("report downgraded to FAILED: requested file change never happened")
	}
	s.emitter.Emit(EventReport, map[string]interface{}{
		"status":        string(report.Status),
		"changed_files": report.ChangedFiles,
		"downgraded":    report.Downgraded,
	})
	return PhaseDone, nil
}

func (s *Session) checkpoint(ctx context.Context, p Phase) {
	s.mu.Lock()
	s.seq++
	cp := NewCheckpoint(s.id, s.seq, p, s.state.Snapshot())
	s.mu.Unlock()

	if err := s.checkpointer.Save(ctx, cp); err != nil {
		s.logger.Warn("checkpoint not saved", zap.String("phase", string(p)), zap.Error(err))
		s.emitter.Emit(EventWarning, map[string]interface{}{
			"message": fmt.Sprintf("checkpoint not saved: %v", err),
		})
	}
}

// checkContextUsage warns when the history is estimated to fill more than
// 80% of the model's context window.
func (s *Session) checkContextUsage() {
	info := unifiedllm.GetModelInfo(s.cfg.Model)
	if info == nil || info.ContextWindow <= 0 {
		return
	}

	s.mu.Lock()
	totalChars := len(s.prompt)
	for _, turn := range s.state.turns {
		totalChars += len(turn.TextContent())
		if turn.ToolResult != nil {
			if b, err := json.Marshal(turn.ToolResult.Result); err == nil {
				totalChars += len(b)
			}
		}
	}
	s.mu.Unlock()

	approxTokens := totalChars / 4
	if approxTokens > info.ContextWindow*8/10 {
		pct := approxTokens * 100 / info.ContextWindow
		s.logger.Warn("context window nearly full", zap.Int("percent", pct))
		s.emitter.Emit(EventWarning, map[string]interface{}{
			"message": fmt.Sprintf("context usage at ~%d%% of context window", pct),
		})
	}
}
