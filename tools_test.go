package marcus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/marcushq/marcus/provider"
)

func newTools(t *testing.T) *Tools {
	t.Helper()
	e := newEngine(t, &provider.StaticAI{})
	return NewTools(e, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func dispatch(t *testing.T, tools *Tools, name, params string) Response {
	t.Helper()
	return tools.Dispatch(context.Background(), name, json.RawMessage(params))
}

func TestDispatchUnknownTool(t *testing.T) {
	tools := newTools(t)
	resp := dispatch(t, tools, "summon_manager", `{}`)
	if resp.OK || resp.Error == nil {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Error.Kind != KindInvalidInput {
		t.Errorf("kind = %s", resp.Error.Kind)
	}
}

func TestDispatchMalformedParams(t *testing.T) {
	tools := newTools(t)
	resp := dispatch(t, tools, "register_agent", `{"agent_id": 7`)
	if resp.OK || resp.Error == nil || resp.Error.Kind != KindInvalidInput {
		t.Fatalf("response = %+v", resp)
	}
}

func TestDispatchErrorEnvelope(t *testing.T) {
	tools := newTools(t)
	resp := dispatch(t, tools, "request_next_task", `{"agent_id": "ghost"}`)
	if resp.OK {
		t.Fatal("unregistered agent pull succeeded")
	}
	if resp.Error.Kind != KindUnknownAgent {
		t.Errorf("kind = %s, want UnknownAgent", resp.Error.Kind)
	}
	if resp.Error.Message == "" {
		t.Error("error envelope has no message")
	}
	if resp.Error.Details["agent_id"] != "ghost" {
		t.Errorf("details = %v", resp.Error.Details)
	}
}

func TestDispatchRequiredFields(t *testing.T) {
	tools := newTools(t)
	for _, tc := range []struct{ tool, params string }{
		{"request_next_task", `{}`},
		{"report_task_progress", `{"agent_id": "a1"}`},
		{"report_blocker", `{"task_id": "t1"}`},
		{"get_task_context", `{}`},
	} {
		resp := dispatch(t, tools, tc.tool, tc.params)
		if resp.OK || resp.Error.Kind != KindInvalidInput {
			t.Errorf("%s(%s) = %+v, want InvalidInput", tc.tool, tc.params, resp)
		}
	}
}

func TestToolLifecycle(t *testing.T) {
	tools := newTools(t)

	resp := dispatch(t, tools, "register_agent", `{"agent_id": "a1", "role": "developer", "skills": ["backend"]}`)
	if !resp.OK {
		t.Fatalf("register_agent failed: %+v", resp.Error)
	}

	resp = dispatch(t, tools, "create_project", `{
		"name": "checkout",
		"tasks": [
			{"name": "Design schema", "estimated_hours": 2},
			{"name": "Implement endpoints", "estimated_hours": 3, "depends_on": ["Design schema"]}
		]
	}`)
	if !resp.OK {
		t.Fatalf("create_project failed: %+v", resp.Error)
	}

	resp = dispatch(t, tools, "request_next_task", `{"agent_id": "a1"}`)
	if !resp.OK {
		t.Fatalf("request_next_task failed: %+v", resp.Error)
	}
	data := resp.Data.(map[string]any)
	if data["task_available"] != true {
		t.Fatalf("data = %v", data)
	}
	asn := data["assignment"].(*Assignment)
	if asn.Name != "Design schema" {
		t.Errorf("assigned %q, want the unblocked task", asn.Name)
	}

	resp = dispatch(t, tools, "log_decision",
		`{"task_id": "`+asn.TaskID+`", "agent_id": "a1", "summary": "Use uuid keys", "rationale": "stable across sync"}`)
	if !resp.OK {
		t.Fatalf("log_decision failed: %+v", resp.Error)
	}

	resp = dispatch(t, tools, "report_task_progress",
		`{"agent_id": "a1", "task_id": "`+asn.TaskID+`", "status": "done", "actual_hours": 2}`)
	if !resp.OK {
		t.Fatalf("report_task_progress failed: %+v", resp.Error)
	}

	resp = dispatch(t, tools, "get_task_context", `{"task_id": "`+asn.TaskID+`"}`)
	if !resp.OK {
		t.Fatalf("get_task_context failed: %+v", resp.Error)
	}

	resp = dispatch(t, tools, "diagnose", `{}`)
	if !resp.OK {
		t.Fatalf("diagnose failed: %+v", resp.Error)
	}
	health := resp.Data.(Health)
	if health.TasksByStatus["done"] != 1 {
		t.Errorf("tasks by status = %v", health.TasksByStatus)
	}
}

func TestToolNoTaskAvailable(t *testing.T) {
	tools := newTools(t)
	dispatch(t, tools, "register_agent", `{"agent_id": "a1", "role": "developer"}`)
	resp := dispatch(t, tools, "create_project", `{"name": "empty", "tasks": [{"name": "Only"}]}`)
	if !resp.OK {
		t.Fatalf("create_project failed: %+v", resp.Error)
	}
	// Drain the single task, then the next pull reports no work.
	resp = dispatch(t, tools, "request_next_task", `{"agent_id": "a1"}`)
	if !resp.OK {
		t.Fatal("first pull failed")
	}
	asn := resp.Data.(map[string]any)["assignment"].(*Assignment)
	dispatch(t, tools, "report_task_progress",
		`{"agent_id": "a1", "task_id": "`+asn.TaskID+`", "status": "done"}`)

	resp = dispatch(t, tools, "request_next_task", `{"agent_id": "a1"}`)
	if !resp.OK {
		t.Fatalf("empty pull errored: %+v", resp.Error)
	}
	if resp.Data.(map[string]any)["task_available"] != false {
		t.Errorf("data = %v", resp.Data)
	}
}
