package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"jobforge/internal/config"
	"jobforge/internal/db"
	"jobforge/internal/engine"
	"jobforge/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("fjelltopp-ci")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitCatalog(context.Background(), cfg.Catalog.ID, "", "tester"); err != nil {
		t.Fatalf("init catalog: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowAnonymous: true}})
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

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestDefineBuildJobAndRender(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	catalogID := "fjelltopp-ci"
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/catalogs/"+catalogID+"/jobs/build", map[string]any{
		"repo": "one_health_tool",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("define build status %d: %s", res.StatusCode, string(data))
	}
	var job JobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.Name != "OneHealthTool-build" || job.Kind != "build" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Build == nil || job.Build.Repository.Name != "one_health_tool" {
		t.Fatalf("unexpected build spec: %+v", job.Build)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/catalogs/"+catalogID+"/jobs/"+job.Name+"/render", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("render status %d: %s", res.StatusCode, string(data))
	}
	var render RenderResponse
	if err := json.Unmarshal(data, &render); err != nil {
		t.Fatalf("unmarshal render: %v", err)
	}
	if !bytes.Contains([]byte(render.Script), []byte("multibranchPipelineJob('OneHealthTool-build')")) {
		t.Fatalf("render script missing job block:\n%s", render.Script)
	}
	if len(render.Checksum) != 64 {
		t.Fatalf("unexpected checksum %q", render.Checksum)
	}
}

func TestPlanApplyFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	catalogID := "fjelltopp-ci"
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/catalogs/"+catalogID+"/jobs/deploy", map[string]any{
		"repo": "one_health_tool",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("define deploy status %d: %s", res.StatusCode, string(data))
	}
	var job JobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/catalogs/"+catalogID+"/jobs/"+job.Name+"/plan", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("plan status %d: %s", res.StatusCode, string(data))
	}
	var plan PlanResponse
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if plan.Action != engine.PlanCreate {
		t.Fatalf("expected create plan, got %+v", plan)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/catalogs/"+catalogID+"/jobs/"+job.Name+"/apply", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	var applied AppliedJobResponse
	if err := json.Unmarshal(data, &applied); err != nil {
		t.Fatalf("unmarshal applied: %v", err)
	}
	if applied.Checksum != plan.Checksum {
		t.Fatalf("applied checksum %q does not match plan %q", applied.Checksum, plan.Checksum)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/catalogs/"+catalogID+"/jobs/"+job.Name+"/plan", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replan status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal replan: %v", err)
	}
	if plan.Action != engine.PlanNoop || plan.AppliedChecksum != applied.Checksum {
		t.Fatalf("expected noop after apply, got %+v", plan)
	}
}

func TestSeedJoinsCatalogJobs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	catalogID := "fjelltopp-ci"
	client := srv.Client()

	for _, path := range []string{"/jobs/build", "/jobs/deploy"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/catalogs/"+catalogID+path, map[string]any{
			"repo": "one_health_tool",
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("define %s status %d: %s", path, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/catalogs/"+catalogID+"/seed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("seed status %d: %s", res.StatusCode, string(data))
	}
	var seed SeedResponse
	if err := json.Unmarshal(data, &seed); err != nil {
		t.Fatalf("unmarshal seed: %v", err)
	}
	if seed.JobCount != 2 {
		t.Fatalf("expected 2 jobs in seed, got %d", seed.JobCount)
	}
	if !bytes.Contains([]byte(seed.Script), []byte("OneHealthTool-build")) ||
		!bytes.Contains([]byte(seed.Script), []byte("OneHealthTool-deploy")) {
		t.Fatalf("seed script missing jobs:\n%s", seed.Script)
	}
}

func TestJobNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/catalogs/fjelltopp-ci/jobs/Nope-build", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("unexpected error body: %+v", envelope.Error)
	}
}

func TestDefineBuildJobRequiresBody(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/catalogs/fjelltopp-ci/jobs/build", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("unexpected error body: %+v", envelope.Error)
	}
}

func TestListEventsAfterDefine(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	catalogID := "fjelltopp-ci"
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/catalogs/"+catalogID+"/jobs/build", map[string]any{
		"repo": "one_health_tool",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("define build status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/catalogs/"+catalogID+"/events?type=job.defined", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected a job.defined event")
	}
	if events[0].EntityID != "OneHealthTool-build" || events[0].ActorID != "local-user" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestDeleteJobScopedToCatalog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	catalogID := "fjelltopp-ci"
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/catalogs/"+catalogID+"/jobs/build", map[string]any{
		"repo": "one_health_tool",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("define build status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/catalogs/other-catalog/jobs/OneHealthTool-build", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong catalog, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/catalogs/"+catalogID+"/jobs/OneHealthTool-build", nil, nil)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/catalogs/"+catalogID+"/jobs/OneHealthTool-build", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d: %s", res.StatusCode, string(data))
	}
}
