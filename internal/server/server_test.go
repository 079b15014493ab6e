package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var testerHeaders = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("phaseline-test")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := app.Bootstrap(context.Background(), e.Repo, "tester"); err != nil {
		t.Fatalf("bootstrap rbac: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// seedTemplateAndProject drives the API through template creation, project
// creation and instantiation, returning the active project and its phases.
func seedTemplateAndProject(t *testing.T, srv *testServer, code string) (domain.Project, []domain.Phase) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/templates", map[string]any{
		"name": "openup-small",
		"phases": []map[string]any{
			{"name": "Inception", "order": 1, "mandatory_artifacts": []string{"vision"}},
			{"name": "Construction", "order": 2},
		},
	}, testerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", res.StatusCode, string(data))
	}
	var tpl domain.Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		t.Fatalf("unmarshal template: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"code": code,
		"name": "Test project",
	}, testerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/projects/%d/template", srv.URL, p.ID), map[string]any{
		"template_id": tpl.ID,
	}, testerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply template: %d %s", res.StatusCode, string(data))
	}
	var applied struct {
		Project domain.Project `json:"project"`
		Phases  []domain.Phase `json:"phases"`
	}
	if err := json.Unmarshal(data, &applied); err != nil {
		t.Fatalf("unmarshal applied: %v", err)
	}
	return applied.Project, applied.Phases
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected health without auth, got %d", res.StatusCode)
	}
}

func TestForbiddenWithoutRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p, _ := seedTemplateAndProject(t, srv, "guarded")

	res, data := doJSON(t, srv.Client(), http.MethodGet, fmt.Sprintf("%s/v1/projects/%d", srv.URL, p.ID), nil, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger, got %d %s", res.StatusCode, string(data))
	}
}

func TestPhaseInvalidTransition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, phases := seedTemplateAndProject(t, srv, "phasetr")
	client := srv.Client()

	url := fmt.Sprintf("%s/v1/phases/%d/status", srv.URL, phases[0].ID)
	res, data := doJSON(t, client, http.MethodPost, url, map[string]any{"status": "completed"}, testerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete phase: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, url, map[string]any{"status": "in_progress"}, testerHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for backward move, got %d %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if apiErr.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %q", apiErr.Code)
	}
}

func TestClosureOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p, phases := seedTemplateAndProject(t, srv, "closing")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/artifacts", map[string]any{
		"phase_id":     phases[0].ID,
		"type":         "vision",
		"name":         "Vision doc",
		"is_mandatory": true,
	}, testerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create artifact: %d %s", res.StatusCode, string(data))
	}
	var a domain.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal artifact: %v", err)
	}
	for _, ph := range phases {
		res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/phases/%d/status", srv.URL, ph.ID), map[string]any{"status": "completed"}, testerHeaders)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete phase %d: %d %s", ph.ID, res.StatusCode, string(data))
		}
	}

	// the undelivered mandatory artifact still blocks the close
	closeURL := fmt.Sprintf("%s/v1/projects/%d/close", srv.URL, p.ID)
	res, data = doJSON(t, client, http.MethodPost, closeURL, map[string]any{"notes": "wrap up"}, testerHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 closure block, got %d %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(data, &apiErr)
	if apiErr.Code != "closure_blocked" {
		t.Fatalf("expected closure_blocked code, got %q", apiErr.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/artifacts/%d/versions", srv.URL, a.ID), map[string]any{
		"content_ref": "docs/vision.md",
	}, testerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add version: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/projects/%d/closure", srv.URL, p.ID), nil, testerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate closure: %d %s", res.StatusCode, string(data))
	}
	var v ClosureValidationResponse
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal validation: %v", err)
	}
	if !v.IsValid {
		t.Fatalf("expected valid checklist: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, closeURL, map[string]any{"notes": "wrap up"}, testerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close project: %d %s", res.StatusCode, string(data))
	}
	var closed domain.Project
	if err := json.Unmarshal(data, &closed); err != nil {
		t.Fatalf("unmarshal closed: %v", err)
	}
	if closed.Status != "closed" || closed.ClosedAt == nil {
		t.Fatalf("expected closed project, got %+v", closed)
	}
}

func TestProgressOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p, phases := seedTemplateAndProject(t, srv, "progress")
	client := srv.Client()

	var taskIDs []int64
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
			"project_id": p.ID,
			"phase_id":   phases[0].ID,
			"title":      "work",
		}, testerHeaders)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create task: %d %s", res.StatusCode, string(data))
		}
		var tk domain.Task
		_ = json.Unmarshal(data, &tk)
		taskIDs = append(taskIDs, tk.ID)
	}
	for _, id := range taskIDs[:2] {
		res, data := doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/complete", srv.URL, id), nil, testerHeaders)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete task: %d %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/projects/%d/progress", srv.URL, p.ID), nil, testerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, string(data))
	}
	var pr engine.ProjectProgress
	if err := json.Unmarshal(data, &pr); err != nil {
		t.Fatalf("unmarshal progress: %v", err)
	}
	if len(pr.Phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(pr.Phases))
	}
	if pr.Phases[0].PercentageCompleted != 67 {
		t.Fatalf("expected 67%%, got %d", pr.Phases[0].PercentageCompleted)
	}
	if pr.PercentageCompleted != 34 {
		t.Fatalf("expected 34%% overall, got %d", pr.PercentageCompleted)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actor_id": "tester",
		"name":     "ci",
	}, testerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected raw key in create response")
	}

	// the raw key authenticates without the legacy header
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID string `json:"actor_id"`
	}
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "tester" {
		t.Fatalf("expected tester, got %q", me.ActorID)
	}
}
