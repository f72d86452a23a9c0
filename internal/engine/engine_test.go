package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"biasflow/internal/catalog"
	"biasflow/internal/config"
	"biasflow/internal/convert"
	"biasflow/internal/db"
	"biasflow/internal/domain"
	"biasflow/internal/engine"
	"biasflow/internal/migrate"
	"biasflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load deck: %v", err)
	}
	eng := engine.New(conn, cat, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestCreateAndGetSession(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.CreateSession(env.Ctx, "pilot", "first run", "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.ID == "" || snap.DeckID != "bias-cards" {
		t.Fatalf("snapshot = %+v", snap)
	}
	a, warnings, err := env.Engine.GetSession(env.Ctx, snap.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings on fresh session: %v", warnings)
	}
	if a.Name() != "pilot" {
		t.Fatalf("name = %q", a.Name())
	}

	if _, err := env.Engine.CreateSession(env.Ctx, "", "", "tester"); err == nil {
		t.Fatal("empty name accepted")
	}
	if _, _, err := env.Engine.GetSession(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestItemMutationsPersist(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.CreateSession(env.Ctx, "pilot", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	id := snap.ID

	if _, err := env.Engine.AssignRisk(env.Ctx, id, "confirmation-bias", domain.RiskHigh, "tester"); err != nil {
		t.Fatalf("assign risk: %v", err)
	}
	if _, err := env.Engine.MapStage(env.Ctx, id, "confirmation-bias", domain.StageDataAnalysis, "tester"); err != nil {
		t.Fatalf("map stage: %v", err)
	}
	if _, err := env.Engine.SetRationale(env.Ctx, id, "confirmation-bias", domain.StageDataAnalysis, "why", "tester"); err != nil {
		t.Fatalf("set rationale: %v", err)
	}
	if _, err := env.Engine.AttachMitigation(env.Ctx, id, "confirmation-bias", domain.StageDataAnalysis, "peer-review", "tester"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := env.Engine.SetNote(env.Ctx, id, "confirmation-bias", domain.StageDataAnalysis, "peer-review",
		domain.ImplementationNote{EffectivenessRating: 4}, "tester"); err != nil {
		t.Fatalf("set note: %v", err)
	}

	a, _, err := env.Engine.GetSession(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := a.Item("confirmation-bias")
	if !ok {
		t.Fatal("item not persisted")
	}
	if rec.RiskCategory != domain.RiskHigh || !rec.MappedTo(domain.StageDataAnalysis) {
		t.Fatalf("rec = %+v", rec)
	}
	if !rec.HasMitigation(domain.StageDataAnalysis, "peer-review") {
		t.Fatal("mitigation not persisted")
	}
	if rec.ImplementationNotes[domain.StageDataAnalysis]["peer-review"].EffectivenessRating != 4 {
		t.Fatal("note not persisted")
	}

	// Invalid category never reaches the store.
	if _, err := env.Engine.AssignRisk(env.Ctx, id, "confirmation-bias", "critical", "tester"); err == nil {
		t.Fatal("invalid category accepted")
	}
}

func TestMutationsAppendEvents(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.CreateSession(env.Ctx, "pilot", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignRisk(env.Ctx, snap.ID, "confirmation-bias", domain.RiskHigh, "tester"); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.ListEvents(env.Ctx, snap.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want create + assign", len(events))
	}
	// Newest first.
	if events[0].Type != "item.risk.assigned" || events[1].Type != "session.created" {
		t.Fatalf("event order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].ActorID != "tester" {
		t.Fatalf("actor = %q", events[0].ActorID)
	}
}

func TestAdvanceGated(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.CreateSession(env.Ctx, "pilot", "", "tester")
	if err != nil {
		t.Fatal(err)
	}

	// Stage 1 quorum (10 categorized items by default) is not met.
	_, err = env.Engine.Advance(env.Ctx, snap.ID, "tester", false)
	if !errors.Is(err, engine.ErrStageGate) {
		t.Fatalf("got %v, want ErrStageGate", err)
	}

	state, err := env.Engine.Advance(env.Ctx, snap.ID, "tester", true)
	if err != nil {
		t.Fatalf("forced advance: %v", err)
	}
	if state.CurrentStage != 2 || !state.Completed(1) {
		t.Fatalf("state = %+v", state)
	}

	events, err := env.Engine.Repo.ListEvents(env.Ctx, snap.ID, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Type != "session.stage.advanced" {
		t.Fatalf("event = %s", events[0].Type)
	}
	if !gjson.Get(events[0].Payload, "force").Bool() {
		t.Fatalf("force not recorded: %s", events[0].Payload)
	}
}

func TestGoToStageBackwardFree(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.CreateSession(env.Ctx, "pilot", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Advance(env.Ctx, snap.ID, "tester", true); err != nil {
		t.Fatal(err)
	}
	state, err := env.Engine.GoToStage(env.Ctx, snap.ID, 1, "tester", false)
	if err != nil {
		t.Fatalf("backward move: %v", err)
	}
	if state.CurrentStage != 1 {
		t.Fatalf("stage = %d", state.CurrentStage)
	}
	if _, err := env.Engine.GoToStage(env.Ctx, snap.ID, 4, "tester", false); !errors.Is(err, engine.ErrStageGate) {
		t.Fatalf("skip allowed: %v", err)
	}
}

func TestStatusReportsAllStages(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.CreateSession(env.Ctx, "pilot", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	stages, err := env.Engine.Status(env.Ctx, snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stages) != 5 {
		t.Fatalf("stages = %d", len(stages))
	}
	if !stages[0].Current || stages[0].Complete {
		t.Fatalf("stage 1 = %+v", stages[0])
	}
}

func TestImportLegacyDocument(t *testing.T) {
	env := newTestEnv(t)
	raw := []byte(`{
		"name": "legacy import",
		"biasRisks": [{"bias": "1", "risk": "High"}],
		"stageAssignments": [{"bias": "1", "stage": "data-analysis"}],
		"pairings": [{"bias": "1", "mitigation": "50", "rating": 4}]
	}`)
	snap, warnings, err := env.Engine.Import(env.Ctx, raw, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if snap.ID == "" || snap.Name != "legacy import" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.DeckID != "bias-cards" {
		t.Fatalf("deck not bound: %q", snap.DeckID)
	}
	_ = warnings

	// Stored in the current generation: reloading takes the single-step path.
	raw2, err := env.Engine.Repo.LoadSession(env.Ctx, snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gjson.Get(raw2, "version").Int() != int64(domain.SnapshotVersion) {
		t.Fatalf("stored version = %s", gjson.Get(raw2, "version").Raw)
	}
	rec := snap.Items["confirmation-bias"]
	if rec.RiskCategory != domain.RiskHigh || !rec.HasMitigation(domain.StageDataAnalysis, "peer-review") {
		t.Fatalf("migrated record = %+v", rec)
	}
}

func TestImportRejectsDeckMismatch(t *testing.T) {
	env := newTestEnv(t)
	raw := []byte(`{"version":2,"deckId":"other-deck","deckVersion":"9.0.0",
		"biasRisks":[],"stageAssignments":[],"pairings":[]}`)
	if _, _, err := env.Engine.Import(env.Ctx, raw, "tester"); err == nil ||
		!strings.Contains(err.Error(), "deck mismatch") {
		t.Fatalf("got %v, want deck mismatch", err)
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.Import(env.Ctx, []byte(`{"foo":1}`), "tester"); !errors.Is(err, convert.ErrUnsupportedVersion) {
		t.Fatalf("got %v, want ErrUnsupportedVersion", err)
	}
}

func TestLoadMigratesAndWritesBack(t *testing.T) {
	env := newTestEnv(t)
	info := domain.SessionInfo{
		ID: "legacy-1", Name: "stored middle", DeckID: "bias-cards", DeckVersion: "2.1.0",
		CreatedAt: "2023-06-01T00:00:00Z", UpdatedAt: "2023-06-01T00:00:00Z",
	}
	middle := `{"version":2,"id":"legacy-1","name":"stored middle","deckId":"bias-cards","deckVersion":"2.1.0",
		"biasRisks":[{"biasId":"confirmation-bias","riskCategory":"high"}],
		"stageAssignments":[{"biasId":"confirmation-bias","stage":"data-analysis"}],
		"pairings":[]}`
	if err := env.Engine.Repo.SaveSession(env.Ctx, info, middle); err != nil {
		t.Fatal(err)
	}

	a, _, err := env.Engine.GetSession(env.Ctx, "legacy-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rec, ok := a.Item("confirmation-bias")
	if !ok || rec.RiskCategory != domain.RiskHigh {
		t.Fatalf("migrated record = %+v", rec)
	}

	raw, err := env.Engine.Repo.LoadSession(env.Ctx, "legacy-1")
	if err != nil {
		t.Fatal(err)
	}
	if gjson.Get(raw, "version").Int() != int64(domain.SnapshotVersion) {
		t.Fatal("migration not written back")
	}

	events, err := env.Engine.Repo.ListEvents(env.Ctx, "legacy-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	migrated := false
	for _, ev := range events {
		if ev.Type == "session.migrated" && ev.ActorID == "system" {
			migrated = true
		}
	}
	if !migrated {
		t.Fatalf("no migration event in %+v", events)
	}
}

func TestExportDowngrade(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.CreateSession(env.Ctx, "pilot", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignRisk(env.Ctx, snap.ID, "confirmation-bias", domain.RiskHigh, "tester"); err != nil {
		t.Fatal(err)
	}
	raw, _, err := env.Engine.Export(env.Ctx, snap.ID, convert.GenerationOldest)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if gjson.GetBytes(raw, "deckId").Exists() {
		t.Fatal("oldest export still deck-bound")
	}
	if gjson.GetBytes(raw, "biasRisks.0.bias").String() != "confirmation-bias" {
		t.Fatalf("export = %s", raw)
	}
}

func TestResetSession(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.CreateSession(env.Ctx, "pilot", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignRisk(env.Ctx, snap.ID, "confirmation-bias", domain.RiskHigh, "tester"); err != nil {
		t.Fatal(err)
	}
	fresh, err := env.Engine.ResetSession(env.Ctx, snap.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh.Items) != 0 || fresh.State.CurrentStage != 1 {
		t.Fatalf("reset snapshot = %+v", fresh)
	}
	if fresh.ID != snap.ID || fresh.Name != "pilot" {
		t.Fatal("identity not preserved across reset")
	}
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.CreateSession(env.Ctx, "pilot", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteSession(env.Ctx, snap.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.GetSession(env.Ctx, snap.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := env.Engine.DeleteSession(env.Ctx, "missing", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
