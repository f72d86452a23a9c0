package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"biasflow/internal/catalog"
	"biasflow/internal/config"
	"biasflow/internal/db"
	"biasflow/internal/domain"
	"biasflow/internal/engine"
	"biasflow/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load deck: %v", err)
	}
	e := engine.New(conn, cat, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowActorHeader: true},
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
		Engine: e,
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
	if headers == nil {
		req.Header.Set("X-Actor-Id", "tester")
	}
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

func createSession(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"name": "pilot",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	var created SnapshotResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return created.Snapshot.ID
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jwt-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"name": "jwt session",
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	badRes, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", badRes.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createSession(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+id, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var got SnapshotResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Snapshot.Name != "pilot" || got.Snapshot.DeckID != "bias-cards" {
		t.Fatalf("snapshot = %+v", got.Snapshot)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/sessions/"+id, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+id, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status %d", res.StatusCode)
	}
}

func TestItemMutationFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createSession(t, srv)
	base := srv.URL + "/v0/sessions/" + id

	res, data := doJSON(t, client, http.MethodPut, base+"/items/confirmation-bias/risk", map[string]any{
		"category": "high",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign risk status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/items/confirmation-bias/stages", map[string]any{
		"stage": "data-analysis",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("map stage status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/items/confirmation-bias/mitigations", map[string]any{
		"stage":         "data-analysis",
		"mitigation_id": "peer-review",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("attach status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/items/confirmation-bias/notes/data-analysis/peer-review", map[string]any{
		"effectiveness_rating": 4,
		"status":               "in-progress",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("note status %d: %s", res.StatusCode, string(data))
	}
	var snap SnapshotResponse
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	rec := snap.Snapshot.Items["confirmation-bias"]
	if rec.RiskCategory != domain.RiskHigh || !rec.HasMitigation("data-analysis", "peer-review") {
		t.Fatalf("record = %+v", rec)
	}

	// Unknown category is a 400, not a 500.
	res, data = doJSON(t, client, http.MethodPut, base+"/items/confirmation-bias/risk", map[string]any{
		"category": "catastrophic",
	}, nil)
	if res.StatusCode != http.StatusBadRequest && res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad category status %d: %s", res.StatusCode, string(data))
	}
}

func TestAdvanceGateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createSession(t, srv)
	base := srv.URL + "/v0/sessions/" + id

	res, data := doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("gated advance status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "stage_gate" {
		t.Fatalf("error code = %q: %s", envelope.Error.Code, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{"force": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forced advance status %d: %s", res.StatusCode, string(data))
	}
	var state StateResponse
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatal(err)
	}
	if state.State.CurrentStage != 2 {
		t.Fatalf("stage = %d", state.State.CurrentStage)
	}
}

func TestValidateAndProgressEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createSession(t, srv)
	base := srv.URL + "/v0/sessions/" + id

	res, data := doJSON(t, client, http.MethodGet, base+"/validate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var rep ValidateResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatal(err)
	}
	if !rep.OK {
		t.Fatalf("fresh session invalid: %+v", rep.Report)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/progress", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, string(data))
	}
	var prog ProgressResponse
	if err := json.Unmarshal(data, &prog); err != nil {
		t.Fatal(err)
	}
	if prog.Metrics.OverallCompleteness != 0 {
		t.Fatalf("fresh session progress = %+v", prog.Metrics)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status status %d: %s", res.StatusCode, string(data))
	}
	var status struct {
		Stages []engine.StageStatus `json:"stages"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	if len(status.Stages) != 5 {
		t.Fatalf("stages = %d", len(status.Stages))
	}
}

func TestImportExportOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	legacy := map[string]any{
		"name":             "legacy import",
		"biasRisks":        []map[string]any{{"bias": "1", "risk": "high"}},
		"stageAssignments": []map[string]any{{"bias": "1", "stage": "data-analysis"}},
		"pairings":         []map[string]any{},
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/import", legacy, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import status %d: %s", res.StatusCode, string(data))
	}
	var imported ImportResponse
	if err := json.Unmarshal(data, &imported); err != nil {
		t.Fatal(err)
	}
	if imported.Snapshot.Version != domain.SnapshotVersion {
		t.Fatalf("imported version = %d", imported.Snapshot.Version)
	}

	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/sessions/"+imported.Snapshot.ID+"/export?generation=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", res.StatusCode, string(data))
	}
	var exported struct {
		Generation int             `json:"generation"`
		Document   json.RawMessage `json:"document"`
	}
	if err := json.Unmarshal(data, &exported); err != nil {
		t.Fatal(err)
	}
	if exported.Generation != 1 {
		t.Fatalf("generation = %d", exported.Generation)
	}
	var doc map[string]any
	if err := json.Unmarshal(exported.Document, &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["deckId"]; ok {
		t.Fatal("oldest export still deck-bound")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/import", map[string]any{"foo": 1}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("garbage import status %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createSession(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+id+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events EventsResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatal(err)
	}
	if len(events.Items) != 1 || events.Items[0].Type != "session.created" {
		t.Fatalf("events = %+v", events.Items)
	}
	if events.Items[0].ActorID != "tester" {
		t.Fatalf("actor = %q", events.Items[0].ActorID)
	}
}

func TestDeckEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/deck", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deck status %d: %s", res.StatusCode, string(data))
	}
	var deck struct {
		Deck  catalog.Meta   `json:"deck"`
		Cards []catalog.Card `json:"cards"`
	}
	if err := json.Unmarshal(data, &deck); err != nil {
		t.Fatal(err)
	}
	if deck.Deck.ID != "bias-cards" || len(deck.Cards) == 0 {
		t.Fatalf("deck = %+v", deck.Deck)
	}
}
