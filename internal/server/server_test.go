package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/service"
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
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, nil)
	handler, err := New(Config{
		Service:  service.New(e),
		BasePath: "/v0",
		Auth:     AuthConfig{AllowAccountHeader: true},
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

func seedWorkstream(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workstreams", map[string]any{
		"id": id,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workstream: %d %s", res.StatusCode, string(data))
	}
}

func TestInitiativeVersioningOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedWorkstream(t, srv, "ws-growth")

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{
		"workstream_id": "ws-growth",
		"name":          "Self-serve onboarding",
		"stages": map[string]any{
			"l0": map[string]any{
				"financials": map[string]any{
					"recurring-benefits": []map[string]any{
						{"id": "f1", "label": "ARR uplift", "distribution": map[string]any{"2026-01": 1200.0}},
					},
				},
			},
		},
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create initiative: %d %s", createRes.StatusCode, string(data))
	}
	var created InitiativeResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal initiative: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}
	if created.ActiveStage != "l0" {
		t.Fatalf("expected active stage l0, got %s", created.ActiveStage)
	}
	if created.Totals.RecurringBenefits != 1200 {
		t.Fatalf("expected recurring benefits 1200, got %v", created.Totals.RecurringBenefits)
	}

	updateRes, updateBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/initiatives/"+created.ID, map[string]any{
		"name":             "Self-serve onboarding v2",
		"expected_version": 1,
	}, nil)
	if updateRes.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", updateRes.StatusCode, string(updateBody))
	}
	var updated InitiativeResponse
	if err := json.Unmarshal(updateBody, &updated); err != nil {
		t.Fatalf("unmarshal updated: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	staleRes, staleBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/initiatives/"+created.ID, map[string]any{
		"name":             "Stale writer",
		"expected_version": 1,
	}, nil)
	if staleRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", staleRes.StatusCode, string(staleBody))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(staleBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "version_conflict" {
		t.Fatalf("expected version_conflict code, got %q", envelope.Error.Code)
	}
}

func TestAdvanceIsStrictlySequential(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedWorkstream(t, srv, "ws-ops")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{
		"workstream_id": "ws-ops",
		"name":          "Warehouse relocation",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create initiative: %d %s", res.StatusCode, string(data))
	}
	var created InitiativeResponse
	_ = json.Unmarshal(data, &created)

	skipRes, skipBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives/"+created.ID+"/advance", map[string]any{
		"target_stage": "l3",
	}, nil)
	if skipRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on gate skip, got %d %s", skipRes.StatusCode, string(skipBody))
	}

	advRes, advBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives/"+created.ID+"/advance", map[string]any{}, nil)
	if advRes.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", advRes.StatusCode, string(advBody))
	}
	var advanced InitiativeResponse
	_ = json.Unmarshal(advBody, &advanced)
	if advanced.ActiveStage != "l1" {
		t.Fatalf("expected l1, got %s", advanced.ActiveStage)
	}
	if advanced.Version != created.Version+1 {
		t.Fatalf("expected version bump to %d, got %d", created.Version+1, advanced.Version)
	}
}

func TestApprovalRoundOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedWorkstream(t, srv, "ws-platform")

	accRes, accBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts", map[string]any{
		"id":    "alice",
		"name":  "Alice",
		"roles": []string{"portfolio-lead"},
	}, nil)
	if accRes.StatusCode != http.StatusCreated {
		t.Fatalf("upsert account: %d %s", accRes.StatusCode, string(accBody))
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{
		"workstream_id": "ws-platform",
		"name":          "API gateway consolidation",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create initiative: %d %s", res.StatusCode, string(data))
	}
	var created InitiativeResponse
	_ = json.Unmarshal(data, &created)

	subRes, subBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives/"+created.ID+"/stages/l0/submit", nil, nil)
	if subRes.StatusCode != http.StatusOK {
		t.Fatalf("submit l0: %d %s", subRes.StatusCode, string(subBody))
	}
	var submitted InitiativeResponse
	_ = json.Unmarshal(subBody, &submitted)
	if submitted.StageState["l0"].Status != "pending" {
		t.Fatalf("expected l0 pending, got %s", submitted.StageState["l0"].Status)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals?status=pending&account_id=alice", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list approvals: %d %s", listRes.StatusCode, string(listBody))
	}
	var tasks []ApprovalResponse
	if err := json.Unmarshal(listBody, &tasks); err != nil {
		t.Fatalf("unmarshal approvals: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 pending task for alice, got %d", len(tasks))
	}

	decRes, decBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+tasks[0].ID+"/decision", map[string]any{
		"decision": "approve",
	}, map[string]string{"X-Account-Id": "alice"})
	if decRes.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", decRes.StatusCode, string(decBody))
	}
	var decided InitiativeResponse
	_ = json.Unmarshal(decBody, &decided)
	if decided.StageState["l0"].Status != "approved" {
		t.Fatalf("expected l0 approved, got %s", decided.StageState["l0"].Status)
	}

	forbRes, forbBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+tasks[0].ID+"/decision", map[string]any{
		"decision":   "approve",
		"account_id": "mallory",
	}, nil)
	if forbRes.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown account, got %d %s", forbRes.StatusCode, string(forbBody))
	}
}
