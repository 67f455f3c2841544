package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/bus"
	"github.com/nidhogg/caremesh/internal/collab"
	"github.com/nidhogg/caremesh/internal/config"
	"github.com/nidhogg/caremesh/internal/knowledge"
	"github.com/nidhogg/caremesh/internal/planner"
	"github.com/nidhogg/caremesh/internal/reflection"
	"github.com/nidhogg/caremesh/internal/registry"
	"github.com/nidhogg/caremesh/internal/system"
	"github.com/nidhogg/caremesh/internal/toolchain"
	"github.com/nidhogg/caremesh/internal/workflow"
)

type testHandler struct {
	router http.Handler
	engine *workflow.Engine
	teams  *collab.Manager
}

func newTestHandler(t *testing.T) *testHandler {
	t.Helper()
	nop := zap.NewNop()
	cfg := config.Default()

	agents := registry.New(nop)
	registry.RegisterBuiltins(agents)
	tools := toolchain.NewRegistry(nop)
	toolchain.RegisterBuiltins(tools)

	events := bus.New(nop)
	sel := toolchain.NewSelector(tools, cfg.Tools, nop)
	exec := toolchain.NewExecutor(tools, toolchain.NewResourceManager(16), nop)
	refl := reflection.New(cfg.Reflection, nop)
	pl := planner.New(agents, nop)
	engine := workflow.New(pl, agents, sel, exec, refl, events, cfg.Orchestration, nop)
	teams := collab.New(agents, knowledge.NewMemoryBase(nil), events, cfg.Collaboration, nop)

	sys, err := system.New(agents, tools, engine, teams, events, nil, nop)
	if err != nil {
		t.Fatalf("system: %v", err)
	}

	h := NewHandler(sys, engine, agents, teams, nop)
	return &testHandler{router: h.Router(), engine: engine, teams: teams}
}

func (th *testHandler) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	th.router.ServeHTTP(rec, req)
	return rec
}

func (th *testHandler) getJSON(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	th.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	th := newTestHandler(t)

	rec := th.getJSON(t, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	report := decodeJSON[system.HealthReport](t, rec)
	if len(report.Components) != 4 {
		t.Errorf("expected 4 component probes, got %d", len(report.Components))
	}
}

func TestMetricsAndAgentsEndpoints(t *testing.T) {
	th := newTestHandler(t)

	rec := th.getJSON(t, "/api/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	snap := decodeJSON[system.Metrics](t, rec)
	if snap.RegisteredAgents != 4 {
		t.Errorf("agents in snapshot: %d", snap.RegisteredAgents)
	}

	rec = th.getJSON(t, "/api/agents")
	if rec.Code != http.StatusOK {
		t.Fatalf("agents status %d", rec.Code)
	}
	profiles := decodeJSON[[]registry.Profile](t, rec)
	if len(profiles) != 4 {
		t.Errorf("expected the 4 built-in profiles, got %d", len(profiles))
	}
}

func TestSubmitTaskAndWorkflowLifecycle(t *testing.T) {
	th := newTestHandler(t)

	rec := th.postJSON(t, "/api/tasks", system.TaskRequest{
		Type:        planner.GoalDiagnosis,
		Description: "recurring morning headaches",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON[system.TaskResponse](t, rec)
	if resp.InstanceID == "" {
		t.Fatalf("no instance id: %+v", resp)
	}

	rec = th.getJSON(t, "/api/workflows/"+resp.InstanceID)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress status %d", rec.Code)
	}
	prog := decodeJSON[workflow.Progress](t, rec)
	if prog.Total != 4 {
		t.Errorf("diagnosis plan has 4 steps, got %d", prog.Total)
	}

	inst, ok := th.engine.Get(resp.InstanceID)
	if !ok {
		t.Fatal("instance missing from engine")
	}
	select {
	case <-inst.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not finish")
	}

	rec = th.getJSON(t, "/api/workflows/"+resp.InstanceID+"/result")
	if rec.Code != http.StatusOK {
		t.Fatalf("result status %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeJSON[workflow.Result](t, rec)
	if result.Status != workflow.StatusCompleted || len(result.StepResults) != 4 {
		t.Errorf("unexpected result: %+v", result)
	}

	rec = th.getJSON(t, "/api/workflows/no-such-id")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown workflow: status %d", rec.Code)
	}
}

func TestSubmitTaskRejectsMalformedAndEmpty(t *testing.T) {
	th := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	th.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status %d", rec.Code)
	}

	rec = th.postJSON(t, "/api/tasks", system.TaskRequest{})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("empty task: status %d", rec.Code)
	}
}

func TestStopWorkflowEndpoint(t *testing.T) {
	th := newTestHandler(t)

	rec := th.postJSON(t, "/api/tasks", system.TaskRequest{
		Type:        planner.GoalDiagnosis,
		Description: "slow burn case",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status %d", rec.Code)
	}
	resp := decodeJSON[system.TaskResponse](t, rec)

	rec = th.postJSON(t, "/api/workflows/"+resp.InstanceID+"/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status %d: %s", rec.Code, rec.Body.String())
	}

	rec = th.postJSON(t, "/api/workflows/no-such-id/stop", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown workflow stop: status %d", rec.Code)
	}
}

func TestTeamAndSessionEndpoints(t *testing.T) {
	th := newTestHandler(t)

	rec := th.postJSON(t, "/api/teams", collab.FormationRequest{
		Name:     "diagnosis-team",
		Required: []string{"diagnosis"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("form team status %d: %s", rec.Code, rec.Body.String())
	}
	team := decodeJSON[collab.Team](t, rec)
	if team.ID == "" || len(team.Members) == 0 {
		t.Fatalf("empty team: %+v", team)
	}

	rec = th.getJSON(t, "/api/teams/"+team.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("get team status %d", rec.Code)
	}
	rec = th.getJSON(t, "/api/teams/no-such-team")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown team: status %d", rec.Code)
	}

	// No candidate can satisfy an impossible capability.
	rec = th.postJSON(t, "/api/teams", collab.FormationRequest{
		Name:     "impossible",
		Required: []string{"telekinesis"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("impossible team: status %d", rec.Code)
	}

	rec = th.postJSON(t, "/api/sessions", sessionRequest{TeamID: team.ID, TaskID: "task-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start session status %d: %s", rec.Code, rec.Body.String())
	}
	session := decodeJSON[collab.Session](t, rec)

	rec = th.getJSON(t, "/api/sessions/"+session.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session status %d", rec.Code)
	}
	rec = th.postJSON(t, "/api/sessions", sessionRequest{TeamID: "no-such-team"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("session for unknown team: status %d", rec.Code)
	}

	rec = th.postJSON(t, "/api/sessions/"+session.ID+"/decision", collab.DecisionRequest{
		Topic:   "treatment path",
		Options: []string{"medication", "surgery"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("decision status %d: %s", rec.Code, rec.Body.String())
	}
	decision := decodeJSON[collab.DecisionResult](t, rec)
	if decision.Decision == "" || len(decision.Opinions) != len(team.Members) {
		t.Errorf("decision incomplete: %+v", decision)
	}

	rec = th.postJSON(t, "/api/sessions/no-such-session/decision", collab.DecisionRequest{
		Topic:   "x",
		Options: []string{"a"},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("decision on unknown session: status %d", rec.Code)
	}
}

func TestShareKnowledgeEndpoint(t *testing.T) {
	th := newTestHandler(t)

	rec := th.postJSON(t, "/api/teams", collab.FormationRequest{
		Name:     "ka-team",
		Required: []string{"analysis"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("form team status %d", rec.Code)
	}
	team := decodeJSON[collab.Team](t, rec)

	rec = th.postJSON(t, "/api/sessions", sessionRequest{TeamID: team.ID, TaskID: "task-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start session status %d", rec.Code)
	}
	session := decodeJSON[collab.Session](t, rec)

	rec = th.postJSON(t, "/api/sessions/"+session.ID+"/knowledge", knowledge.Artifact{
		AuthorID: team.Members[0].AgentID,
		Kind:     "finding",
		Content:  "elevated troponin",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("share status %d: %s", rec.Code, rec.Body.String())
	}
	shared := decodeJSON[collab.SharingResult](t, rec)
	if shared.ArtifactID == "" || shared.TeamID != team.ID {
		t.Errorf("sharing result incomplete: %+v", shared)
	}

	rec = th.postJSON(t, "/api/sessions/"+session.ID+"/knowledge", knowledge.Artifact{
		AuthorID: "outsider",
		Content:  "unsolicited",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-member share: status %d", rec.Code)
	}

	rec = th.postJSON(t, "/api/sessions/no-such-session/knowledge", knowledge.Artifact{
		AuthorID: "x",
		Content:  "y",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("share on unknown session: status %d", rec.Code)
	}
}
