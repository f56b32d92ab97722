package marcus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/marcushq/marcus/board"
)

// ToolHandler executes one named tool against the engine.
type ToolHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Tools is the agent-facing surface: a fixed set of named operations with
// JSON parameters and JSON results. Transports (MCP, HTTP, tests) route
// calls through Dispatch.
type Tools struct {
	engine   *Engine
	logger   *slog.Logger
	handlers map[string]ToolHandler
}

// NewTools builds the tool surface over an engine.
func NewTools(engine *Engine, logger *slog.Logger) *Tools {
	t := &Tools{engine: engine, logger: logger}
	t.handlers = map[string]ToolHandler{
		"register_agent":       t.registerAgent,
		"request_next_task":    t.requestNextTask,
		"report_task_progress": t.reportTaskProgress,
		"report_blocker":       t.reportBlocker,
		"get_task_context":     t.getTaskContext,
		"log_decision":         t.logDecision,
		"log_artifact":         t.logArtifact,
		"create_project":       t.createProject,
		"select_project":       t.selectProject,
		"diagnose":             t.diagnose,
	}
	return t
}

// Names returns the registered tool names in no particular order.
func (t *Tools) Names() []string {
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	return names
}

// toolError is the wire shape of a failed call.
type toolError struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response is the uniform tool result envelope.
type Response struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *toolError `json:"error,omitempty"`
}

// Dispatch runs a named tool and wraps the outcome in the response
// envelope. Unknown tool names are an InvalidInput error, not a panic.
func (t *Tools) Dispatch(ctx context.Context, name string, params json.RawMessage) Response {
	handler, ok := t.handlers[name]
	if !ok {
		return errResponse(Errorf(KindInvalidInput, "unknown tool %q", name))
	}
	data, err := handler(ctx, params)
	if err != nil {
		t.logger.Warn("Tool call failed", "tool", name, "kind", KindOf(err), "error", err)
		return errResponse(err)
	}
	return Response{OK: true, Data: data}
}

func errResponse(err error) Response {
	te := &toolError{Kind: KindOf(err), Message: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		te.Message = e.Message
		te.Details = e.Details
	}
	return Response{Error: te}
}

func decodeParams[T any](params json.RawMessage, out *T) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return Errorf(KindInvalidInput, "malformed parameters: %v", err)
	}
	return nil
}

func (t *Tools) registerAgent(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		AgentID  string   `json:"agent_id"`
		Role     string   `json:"role"`
		Skills   []string `json:"skills,omitempty"`
		Capacity int      `json:"capacity,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	profile, err := t.engine.RegisterAgent(ctx, board.AgentProfile{
		AgentID:  req.AgentID,
		Role:     req.Role,
		Skills:   req.Skills,
		Capacity: req.Capacity,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent_id": profile.AgentID, "registered": true}, nil
}

func (t *Tools) requestNextTask(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.AgentID == "" {
		return nil, Errorf(KindInvalidInput, "agent_id is required")
	}
	asn, err := t.engine.RequestNextTask(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if asn == nil {
		return map[string]any{"task_available": false}, nil
	}
	return map[string]any{"task_available": true, "assignment": asn}, nil
}

func (t *Tools) reportTaskProgress(ctx context.Context, params json.RawMessage) (any, error) {
	var req ProgressReport
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.AgentID == "" || req.TaskID == "" {
		return nil, Errorf(KindInvalidInput, "agent_id and task_id are required")
	}
	if err := t.engine.ReportProgress(ctx, req); err != nil {
		return nil, err
	}
	return map[string]any{"acknowledged": true}, nil
}

func (t *Tools) reportBlocker(ctx context.Context, params json.RawMessage) (any, error) {
	var req BlockerReport
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.AgentID == "" || req.TaskID == "" {
		return nil, Errorf(KindInvalidInput, "agent_id and task_id are required")
	}
	if err := t.engine.ReportBlocker(ctx, req); err != nil {
		return nil, err
	}
	return map[string]any{"acknowledged": true}, nil
}

func (t *Tools) getTaskContext(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.TaskID == "" {
		return nil, Errorf(KindInvalidInput, "task_id is required")
	}
	return t.engine.ContextStore().GetTaskContext(ctx, req.TaskID)
}

func (t *Tools) logDecision(ctx context.Context, params json.RawMessage) (any, error) {
	var req board.Decision
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	d, err := t.engine.ContextStore().LogDecision(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"decision_id": d.ID}, nil
}

func (t *Tools) logArtifact(ctx context.Context, params json.RawMessage) (any, error) {
	var req board.Artifact
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	a, err := t.engine.ContextStore().LogArtifact(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"artifact_id": a.ID}, nil
}

func (t *Tools) createProject(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Name        string      `json:"name"`
		Description string      `json:"description,omitempty"`
		Tasks       []TaskInput `json:"tasks,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return t.engine.CreateProject(ctx, req.Name, req.Description, req.Tasks)
}

func (t *Tools) selectProject(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Project string `json:"project"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	cfg, err := t.engine.SelectProject(ctx, req.Project)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project_id": cfg.ID, "name": cfg.Name}, nil
}

func (t *Tools) diagnose(ctx context.Context, params json.RawMessage) (any, error) {
	return t.engine.Diagnose(ctx)
}
