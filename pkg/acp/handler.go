package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/pilot/internal/observability"
	"github.com/harun/pilot/pkg/agent"
	"github.com/harun/pilot/pkg/commandqueue"
	"github.com/harun/pilot/pkg/events"
	"github.com/harun/pilot/pkg/hooks"
	"github.com/harun/pilot/pkg/session"
	"github.com/rs/zerolog"
)

// handler serves the methods of one connection.
type handler struct {
	server *Server
	conn   *Conn
	logger zerolog.Logger
}

func (h *handler) register() error {
	methods := map[string]Handler{
		MethodInitialize:       h.initialize,
		MethodAuthenticate:     h.authenticate,
		MethodSessionNew:       h.newSession,
		MethodSessionLoad:      h.loadSession,
		MethodSessionFork:      h.forkSession,
		MethodSessionResume:    h.resumeSession,
		MethodSessionList:      h.listSessions,
		MethodSessionSetMode:   h.setMode,
		MethodSessionSetModel:  h.setModel,
		MethodSessionSetConfig: h.setConfig,
		MethodSessionPrompt:    h.prompt,
		MethodSessionCancel:    h.cancel,
	}
	for name, fn := range methods {
		if err := h.conn.RegisterMethod(name, fn); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

func sessionNotFound(id string) *RPCError {
	return &RPCError{Code: ResourceNotFound, Message: fmt.Sprintf("session not found: %s", id)}
}

func (h *handler) initialize(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p InitializeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	logger := h.logger.Info().Int("client_protocol", p.ProtocolVersion)
	if p.ClientInfo != nil {
		logger = logger.Str("client", p.ClientInfo.Name).Str("client_version", p.ClientInfo.Version)
	}
	logger.Msg("Client initialized")

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		AgentCapabilities: AgentCapabilities{
			LoadSession:        true,
			PromptCapabilities: PromptCapabilities{EmbeddedContext: true},
		},
		AuthMethods: []interface{}{},
		AgentInfo:   Implementation{Name: "pilot", Title: "Pilot", Version: h.server.version},
	}, nil
}

func (h *handler) authenticate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return struct{}{}, nil
}

func (h *handler) newSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p SessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.CWD == "" {
		p.CWD = h.server.cwd
	}

	st, err := h.server.store.New(ctx, p.CWD, p.MCPServers)
	if err != nil {
		return nil, err
	}
	h.server.attach(st)
	h.server.hooks.Fire(hooks.EventSessionNew, map[string]interface{}{"session_id": st.ID, "cwd": st.CWD})

	return followUp{
		result: SessionResult{SessionID: st.ID, Modes: modeState(st.ModeID)},
		then: func(ctx context.Context) {
			h.announceCommands(ctx, st.ID)
		},
	}, nil
}

func (h *handler) loadSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p SessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("sessionId is required")
	}
	if p.CWD == "" {
		p.CWD = h.server.cwd
	}

	st, err := h.server.store.Load(ctx, p.CWD, p.MCPServers, p.SessionID)
	if err != nil {
		return nil, err
	}
	h.server.attach(st)
	h.replay(ctx, st)

	return followUp{
		result: SessionResult{Modes: modeState(st.ModeID)},
		then: func(ctx context.Context) {
			h.announceCommands(ctx, st.ID)
		},
	}, nil
}

func (h *handler) forkSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p SessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("sessionId is required")
	}
	if p.CWD == "" {
		p.CWD = h.server.cwd
	}

	st, err := h.server.store.Fork(ctx, p.CWD, p.SessionID)
	if err != nil {
		return nil, err
	}
	h.server.attach(st)
	return SessionResult{SessionID: st.ID, Modes: modeState(st.ModeID)}, nil
}

func (h *handler) resumeSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p SessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("sessionId is required")
	}
	if p.CWD == "" {
		p.CWD = h.server.cwd
	}

	st, err := h.server.store.Resume(ctx, p.CWD, p.SessionID)
	if err != nil {
		return nil, err
	}
	h.server.attach(st)
	return SessionResult{Modes: modeState(st.ModeID)}, nil
}

func (h *handler) listSessions(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p ListParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	infos := h.server.store.List(ctx, p.CWD)
	out := ListResult{Sessions: make([]SessionInfo, 0, len(infos))}
	for _, info := range infos {
		out.Sessions = append(out.Sessions, SessionInfo{
			SessionID: info.ID,
			CWD:       info.CWD,
			Title:     info.Title,
			UpdatedAt: info.UpdatedAt,
			ModeID:    info.ModeID,
			ModelID:   info.ModelID,
			Messages:  info.Messages,
		})
	}
	return out, nil
}

func (h *handler) setMode(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p SetModeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if !validMode(p.ModeID) {
		return nil, invalidParams("unknown mode: %s", p.ModeID)
	}
	if !h.server.store.SetMode(ctx, p.SessionID, p.ModeID) {
		return nil, sessionNotFound(p.SessionID)
	}
	h.logger.Info().Str("session_id", p.SessionID).Str("mode", p.ModeID).Msg("Session mode changed")
	return struct{}{}, nil
}

func (h *handler) setModel(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p SetModelParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if !h.server.store.SetModel(ctx, p.SessionID, p.ModelID) {
		return nil, sessionNotFound(p.SessionID)
	}
	h.logger.Info().Str("session_id", p.SessionID).Str("model", p.ModelID).Msg("Session model changed")
	return struct{}{}, nil
}

func (h *handler) setConfig(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p SetConfigParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	c := p.Config
	if negative(c.MaxSteps) || negative(c.TimeoutMs) || negative(c.Retries) || negative(c.MaxHistoryTokens) {
		return nil, invalidParams("max_steps, timeout_ms, retries and max_history_tokens cannot be negative")
	}
	if !h.server.store.Configure(ctx, p.SessionID, c) {
		return nil, sessionNotFound(p.SessionID)
	}
	return struct{}{}, nil
}

func (h *handler) cancel(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p CancelParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if !h.server.store.Cancel(p.SessionID) {
		h.logger.Debug().Str("session_id", p.SessionID).Msg("Cancel with no prompt running")
	}
	return nil, nil
}

func (h *handler) prompt(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p PromptParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("sessionId is required")
	}
	text := promptText(p.Prompt)

	if h.server.commands == nil {
		return h.runPrompt(ctx, p.SessionID, text)
	}

	var result *PromptResult
	err := h.server.commands.Run(ctx, commandqueue.SessionLane(p.SessionID), func(ctx context.Context) error {
		r, err := h.runPrompt(ctx, p.SessionID, text)
		result = r
		return err
	}, &commandqueue.TaskOptions{WarnAfter: laneWarnAfter})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runPrompt is one turn: it runs the agent loop while forwarding its events,
// then records the transcript and reports title and usage.
func (h *handler) runPrompt(ctx context.Context, id, text string) (*PromptResult, error) {
	logger := h.logger.With().Str("session_id", id).Logger()

	st, err := h.server.open(ctx, id)
	if err != nil {
		return nil, err
	}

	if cmd, rest, ok := parseCommand(text); ok {
		if st, err = h.runCommand(ctx, st, cmd); err != nil {
			return nil, err
		}
		if rest == "" {
			return &PromptResult{StopReason: StopEndTurn}, nil
		}
		text = rest
	}
	if text == "" {
		return nil, invalidParams("prompt is empty")
	}

	q, err := h.server.store.BeginPrompt(id)
	if err != nil {
		return nil, err
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		events.Forward(ctx, q, h.sink(q, logger), logger)
	}()

	res, runErr := h.server.runner.Run(ctx, agent.RunParams{
		SessionID:      id,
		CWD:            st.CWD,
		Prompt:         text,
		Mode:           st.ModeID,
		Model:          st.ModelID,
		Config:         st.Config,
		History:        st.History,
		LastResponseID: st.LastResponseID,
		Queue:          q,
	})
	h.server.store.EndPrompt(id, q)
	<-forwarded

	if runErr != nil {
		logger.Warn().Err(runErr).Msg("Prompt ended with an error")
	}

	// The turn is recorded even when the client went away mid-run.
	recordCtx := context.WithoutCancel(ctx)
	h.server.store.RecordTurn(recordCtx, id, res.History, res.LastResponseID)
	if st.Title == "" {
		if title := session.TitleFrom(text); title != "" {
			h.server.store.Configure(recordCtx, id, session.Patch{Title: &title})
		}
	}

	if after, ok := h.server.store.Get(id); ok {
		h.update(ctx, id, sessionInfoUpdate(after.Title, after.UpdatedAt))
	}
	h.update(ctx, id, usageUpdate(res.Usage))

	stop := StopEndTurn
	if res.Outcome == agent.OutcomeCancelled {
		stop = StopCancelled
	}
	h.server.hooks.Fire(hooks.EventTurnFinished, map[string]interface{}{
		"session_id":  id,
		"outcome":     string(res.Outcome),
		"stop_reason": stop,
		"steps":       res.Steps,
	})
	logger.Info().Str("outcome", string(res.Outcome)).Str("stop_reason", stop).Msg("Prompt served")
	return &PromptResult{StopReason: stop}, nil
}

// sink forwards one event to the client.
func (h *handler) sink(q *events.Queue, logger zerolog.Logger) events.Sink {
	return func(ctx context.Context, ev events.Event) error {
		if req, ok := ev.Payload.(events.PermissionRequest); ok {
			h.requestPermission(ctx, q, req, logger)
			return nil
		}
		u, ok := Translate(ev)
		if !ok {
			return nil
		}
		if err := h.conn.Notify(ctx, MethodSessionUpdate, UpdateParams{SessionID: q.SessionID(), Update: u}); err != nil {
			return err
		}
		observability.RecordEventForwarded(string(ev.Type))
		return nil
	}
}

// requestPermission asks the client and resolves the pending request. When
// the client cannot answer, the no-responder policy decides.
func (h *handler) requestPermission(ctx context.Context, q *events.Queue, req events.PermissionRequest, logger zerolog.Logger) {
	callCtx, stop := q.Token().Context(ctx)
	defer stop()

	params := PermissionParams{
		SessionID: q.SessionID(),
		ToolCall: PermissionToolCall{
			ToolCallID: req.ToolCallID,
			Title:      toolTitle(req.ToolName, req.Arguments),
			Kind:       events.ToolKind(req.ToolName),
			Status:     events.StatusPending,
			RawInput:   req.Arguments,
		},
		Options: permissionOptions,
	}

	var result PermissionResult
	err := h.conn.Call(callCtx, MethodRequestPermission, params, &result)

	var resp events.PermissionResponse
	switch {
	case err == nil:
		resp = decide(result.Outcome)
	case q.Token().IsCancelled():
		return
	default:
		resp = h.server.fallback()
		logger.Warn().
			Err(err).
			Str("tool", req.ToolName).
			Str("policy", h.server.noResponder).
			Msg("Permission request unanswered, applying no-responder policy")
	}
	q.ResolvePermission(req.RequestID, resp)
}

func (h *handler) update(ctx context.Context, id string, u Update) {
	if err := h.conn.Notify(ctx, MethodSessionUpdate, UpdateParams{SessionID: id, Update: u}); err != nil {
		h.logger.Debug().Err(err).Str("session_id", id).Msg("Failed to send session update")
	}
}

// replay sends the stored transcript of a loaded session.
func (h *handler) replay(ctx context.Context, st *session.State) {
	for _, m := range st.History {
		switch {
		case m.Role == session.RoleUser:
			h.update(ctx, st.ID, messageChunk(UpdateUserMessageChunk, strings.TrimPrefix(m.Content, agent.PlanPrefix)))
		case m.Role == session.RoleAssistant && m.Content == "":
		case m.Role == session.RoleAssistant && len(m.ToolCalls) > 0:
			h.update(ctx, st.ID, messageChunk(UpdateAgentThoughtChunk, m.Content))
		case m.Role == session.RoleAssistant:
			h.update(ctx, st.ID, messageChunk(UpdateAgentMessageChunk, m.Content))
		}
	}
}

func (h *handler) announceCommands(ctx context.Context, id string) {
	h.update(ctx, id, Update{
		"sessionUpdate":     UpdateAvailableCommands,
		"availableCommands": availableCommands,
	})
}

// runCommand applies a slash command and returns the updated session.
func (h *handler) runCommand(ctx context.Context, st *session.State, cmd string) (*session.State, error) {
	if !h.server.store.SetMode(ctx, st.ID, cmd) {
		return nil, sessionNotFound(st.ID)
	}
	h.update(ctx, st.ID, currentModeUpdate(cmd))

	updated, ok := h.server.store.Get(st.ID)
	if !ok {
		return nil, sessionNotFound(st.ID)
	}
	return updated, nil
}

func negative(v *int) bool {
	return v != nil && *v < 0
}
