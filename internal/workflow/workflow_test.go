package workflow

import (
	"testing"
	"time"

	"biasflow/internal/catalog"
	"biasflow/internal/domain"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load default deck: %v", err)
	}
	return cat
}

func newAssessment(t *testing.T) *Assessment {
	t.Helper()
	a := New(testCatalog(t), "sess-1", "pilot", "")
	a.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return a
}

func TestNewBindsDeck(t *testing.T) {
	a := newAssessment(t)
	snap := a.ExportSnapshot()
	if snap.DeckID != "bias-cards" {
		t.Fatalf("deck id = %q", snap.DeckID)
	}
	if snap.State.CurrentStage != domain.StageMin {
		t.Fatalf("current stage = %d", snap.State.CurrentStage)
	}
	if snap.Version != domain.SnapshotVersion {
		t.Fatalf("version = %d", snap.Version)
	}
}

func TestAssignRisk(t *testing.T) {
	a := newAssessment(t)
	if err := a.AssignRisk("confirmation-bias", domain.RiskHigh); err != nil {
		t.Fatalf("assign: %v", err)
	}
	rec, ok := a.Item("confirmation-bias")
	if !ok {
		t.Fatal("item not created")
	}
	if rec.RiskCategory != domain.RiskHigh {
		t.Fatalf("category = %q", rec.RiskCategory)
	}
	if rec.RiskAssignedAt == "" {
		t.Fatal("assigned-at not stamped")
	}
	if rec.DisplayName != "Confirmation Bias" {
		t.Fatalf("display name = %q", rec.DisplayName)
	}

	// Re-assigning keeps the original timestamp.
	first := rec.RiskAssignedAt
	if err := a.AssignRisk("confirmation-bias", domain.RiskLow); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	rec, _ = a.Item("confirmation-bias")
	if rec.RiskAssignedAt != first {
		t.Fatal("timestamp changed on reassign")
	}

	if err := a.AssignRisk("confirmation-bias", "critical"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestClearRisk(t *testing.T) {
	a := newAssessment(t)
	_ = a.AssignRisk("confirmation-bias", domain.RiskHigh)
	a.ClearRisk("confirmation-bias")
	rec, _ := a.Item("confirmation-bias")
	if rec.RiskCategory != "" || rec.RiskAssignedAt != "" {
		t.Fatalf("risk not cleared: %+v", rec)
	}
}

func TestMapStageIdempotent(t *testing.T) {
	a := newAssessment(t)
	for i := 0; i < 2; i++ {
		if err := a.MapToLifecycleStage("confirmation-bias", domain.StageDataAnalysis); err != nil {
			t.Fatalf("map: %v", err)
		}
	}
	rec, _ := a.Item("confirmation-bias")
	if len(rec.LifecycleStages) != 1 {
		t.Fatalf("stages = %v", rec.LifecycleStages)
	}
	if err := a.MapToLifecycleStage("confirmation-bias", "data-mangling"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestUnmapKeepsOrphans(t *testing.T) {
	a := newAssessment(t)
	_ = a.MapToLifecycleStage("confirmation-bias", domain.StageDataAnalysis)
	_ = a.SetRationale("confirmation-bias", domain.StageDataAnalysis, "analysts anchor on early plots")
	_ = a.AttachMitigation("confirmation-bias", domain.StageDataAnalysis, "peer-review")

	a.UnmapFromLifecycleStage("confirmation-bias", domain.StageDataAnalysis)

	rec, _ := a.Item("confirmation-bias")
	if len(rec.LifecycleStages) != 0 {
		t.Fatalf("still mapped: %v", rec.LifecycleStages)
	}
	if rec.Rationale[domain.StageDataAnalysis] == "" {
		t.Fatal("rationale was cascade-deleted")
	}
	if !rec.HasMitigation(domain.StageDataAnalysis, "peer-review") {
		t.Fatal("mitigation was cascade-deleted")
	}
}

func TestAttachDetachMitigation(t *testing.T) {
	a := newAssessment(t)
	_ = a.MapToLifecycleStage("confirmation-bias", domain.StageDataAnalysis)
	_ = a.AttachMitigation("confirmation-bias", domain.StageDataAnalysis, "peer-review")
	_ = a.AttachMitigation("confirmation-bias", domain.StageDataAnalysis, "peer-review")
	_ = a.AttachMitigation("confirmation-bias", domain.StageDataAnalysis, "red-teaming")

	rec, _ := a.Item("confirmation-bias")
	ids := rec.Mitigations[domain.StageDataAnalysis]
	if len(ids) != 2 || ids[0] != "peer-review" || ids[1] != "red-teaming" {
		t.Fatalf("mitigations = %v", ids)
	}

	note := domain.ImplementationNote{EffectivenessRating: 4}
	_ = a.SetImplementationNote("confirmation-bias", domain.StageDataAnalysis, "peer-review", note)
	a.DetachMitigation("confirmation-bias", domain.StageDataAnalysis, "peer-review")

	rec, _ = a.Item("confirmation-bias")
	if rec.HasMitigation(domain.StageDataAnalysis, "peer-review") {
		t.Fatal("still attached")
	}
	if _, ok := rec.ImplementationNotes[domain.StageDataAnalysis]["peer-review"]; !ok {
		t.Fatal("note was cascade-deleted on detach")
	}
}

func TestSetImplementationNoteDefaultsAndValidation(t *testing.T) {
	a := newAssessment(t)
	err := a.SetImplementationNote("confirmation-bias", domain.StageDataAnalysis, "peer-review",
		domain.ImplementationNote{EffectivenessRating: 3})
	if err != nil {
		t.Fatalf("set note: %v", err)
	}
	rec, _ := a.Item("confirmation-bias")
	got := rec.ImplementationNotes[domain.StageDataAnalysis]["peer-review"]
	if got.Status != domain.NotePlanned {
		t.Fatalf("status = %q, want planned default", got.Status)
	}

	for _, rating := range []int{0, 6} {
		err := a.SetImplementationNote("confirmation-bias", domain.StageDataAnalysis, "peer-review",
			domain.ImplementationNote{EffectivenessRating: rating})
		if err == nil {
			t.Fatalf("rating %d accepted", rating)
		}
	}
	err = a.SetImplementationNote("confirmation-bias", domain.StageDataAnalysis, "peer-review",
		domain.ImplementationNote{EffectivenessRating: 3, Status: "done"})
	if err == nil {
		t.Fatal("unknown status accepted")
	}
}

func TestAdvanceStageCapsAtFinal(t *testing.T) {
	a := newAssessment(t)
	for i := 0; i < 10; i++ {
		a.AdvanceStage()
	}
	st := a.State()
	if st.CurrentStage != domain.StageMax {
		t.Fatalf("current stage = %d", st.CurrentStage)
	}
	for stage := domain.StageMin; stage <= domain.StageMax; stage++ {
		if !st.Completed(stage) {
			t.Fatalf("stage %d not marked complete", stage)
		}
	}
	// No duplicate completion entries.
	if len(st.CompletedStages) != domain.StageMax {
		t.Fatalf("completed = %v", st.CompletedStages)
	}
}

func TestSetCurrentStageBounds(t *testing.T) {
	a := newAssessment(t)
	if err := a.SetCurrentStage(4); err != nil {
		t.Fatalf("goto 4: %v", err)
	}
	if err := a.SetCurrentStage(0); err == nil {
		t.Fatal("stage 0 accepted")
	}
	if err := a.SetCurrentStage(6); err == nil {
		t.Fatal("stage 6 accepted")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := newAssessment(t)
	_ = a.AssignRisk("confirmation-bias", domain.RiskHigh)
	_ = a.MapToLifecycleStage("confirmation-bias", domain.StageDataAnalysis)
	_ = a.SetRationale("confirmation-bias", domain.StageDataAnalysis, "why")
	_ = a.AttachMitigation("confirmation-bias", domain.StageDataAnalysis, "peer-review")
	_ = a.SetImplementationNote("confirmation-bias", domain.StageDataAnalysis, "peer-review",
		domain.ImplementationNote{EffectivenessRating: 5, Status: domain.NoteImplemented})
	a.AdvanceStage()

	snap := a.ExportSnapshot()
	b := FromSnapshot(testCatalog(t), snap)
	if got := b.ExportSnapshot(); got.State.CurrentStage != snap.State.CurrentStage ||
		len(got.Items) != len(snap.Items) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got.State, snap.State)
	}

	// Mutating the exported snapshot must not leak into the entity.
	rec := snap.Items["confirmation-bias"]
	rec.LifecycleStages[0] = domain.StageUserTraining
	snap.Items["confirmation-bias"] = rec
	orig, _ := a.Item("confirmation-bias")
	if orig.LifecycleStages[0] != domain.StageDataAnalysis {
		t.Fatal("exported snapshot shares memory with the entity")
	}
}

func TestLoadSnapshotClampsStage(t *testing.T) {
	a := newAssessment(t)
	snap := a.ExportSnapshot()
	snap.State.CurrentStage = 99
	snap.State.CompletedStages = nil
	a.LoadSnapshot(snap)
	st := a.State()
	if st.CurrentStage != domain.StageMax {
		t.Fatalf("stage not clamped: %d", st.CurrentStage)
	}
	if st.CompletedStages == nil {
		t.Fatal("completed stages left nil")
	}
}
