// Package workflow owns the mutable per-session assessment state. Mutations
// are permissive: cross-stage invariants are the validator's concern, so the
// entity can hold transiently-invalid intermediate states while the user is
// mid-edit. The entity is single-writer; callers persist the exported
// snapshot after each mutation batch.
package workflow

import (
	"fmt"
	"time"

	"biasflow/internal/catalog"
	"biasflow/internal/domain"
)

// Assessment is one workflow entity, hydrated from a snapshot and bound to
// a read-only catalog.
type Assessment struct {
	id          string
	name        string
	description string
	deckID      string
	deckVersion string
	items       map[string]*domain.ItemAssessment
	state       domain.WorkflowState
	createdAt   string
	updatedAt   string

	catalog *catalog.Catalog
	Now     func() time.Time
}

// New seeds a fresh assessment bound to the given deck.
func New(cat *catalog.Catalog, id, name, description string) *Assessment {
	a := &Assessment{
		id:          id,
		name:        name,
		description: description,
		items:       map[string]*domain.ItemAssessment{},
		catalog:     cat,
		Now:         time.Now,
	}
	meta := cat.Metadata()
	a.deckID = meta.ID
	a.deckVersion = meta.Version
	now := a.timestamp()
	a.createdAt = now
	a.updatedAt = now
	a.state = domain.WorkflowState{
		CurrentStage:    domain.StageMin,
		CompletedStages: []int{},
		StartedAt:       now,
		LastModifiedAt:  now,
	}
	return a
}

// FromSnapshot hydrates an assessment from a current-generation snapshot.
func FromSnapshot(cat *catalog.Catalog, snap domain.Snapshot) *Assessment {
	a := &Assessment{catalog: cat, Now: time.Now}
	a.LoadSnapshot(snap)
	return a
}

func (a *Assessment) timestamp() string {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (a *Assessment) touchItem(itemID string) *domain.ItemAssessment {
	rec, ok := a.items[itemID]
	if !ok {
		name := itemID
		if card, found := a.catalog.Get(itemID); found {
			name = card.Name
		}
		rec = &domain.ItemAssessment{ItemID: itemID, DisplayName: name}
		a.items[itemID] = rec
	}
	return rec
}

func (a *Assessment) touched() {
	now := a.timestamp()
	a.state.LastModifiedAt = now
	a.updatedAt = now
}

// AssignRisk sets the item's risk category, creating the record on demand.
func (a *Assessment) AssignRisk(itemID string, category domain.RiskCategory) error {
	if !category.Valid() {
		return fmt.Errorf("unknown risk category %q", category)
	}
	rec := a.touchItem(itemID)
	if rec.RiskCategory == "" {
		rec.RiskAssignedAt = a.timestamp()
	}
	rec.RiskCategory = category
	a.touched()
	return nil
}

// ClearRisk unsets the item's risk category and its timestamp.
func (a *Assessment) ClearRisk(itemID string) {
	rec := a.touchItem(itemID)
	rec.RiskCategory = ""
	rec.RiskAssignedAt = ""
	a.touched()
}

// MapToLifecycleStage adds the item to a lifecycle stage. Idempotent.
func (a *Assessment) MapToLifecycleStage(itemID string, stage domain.LifecycleStage) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown lifecycle stage %q", stage)
	}
	rec := a.touchItem(itemID)
	if !rec.MappedTo(stage) {
		rec.LifecycleStages = append(rec.LifecycleStages, stage)
	}
	a.touched()
	return nil
}

// UnmapFromLifecycleStage removes the item from a lifecycle stage.
// Rationale and mitigations recorded for that stage are deliberately left in
// place so an accidental unmap does not destroy user work; the validator
// reports them as orphaned instead.
func (a *Assessment) UnmapFromLifecycleStage(itemID string, stage domain.LifecycleStage) {
	rec := a.touchItem(itemID)
	kept := rec.LifecycleStages[:0]
	for _, s := range rec.LifecycleStages {
		if s != stage {
			kept = append(kept, s)
		}
	}
	rec.LifecycleStages = kept
	if len(rec.LifecycleStages) == 0 {
		rec.LifecycleStages = nil
	}
	a.touched()
}

// SetRationale records free-text rationale for the item at a lifecycle stage.
func (a *Assessment) SetRationale(itemID string, stage domain.LifecycleStage, text string) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown lifecycle stage %q", stage)
	}
	rec := a.touchItem(itemID)
	if rec.Rationale == nil {
		rec.Rationale = map[domain.LifecycleStage]string{}
	}
	rec.Rationale[stage] = text
	a.touched()
	return nil
}

// ClearRationale removes the rationale entry for the item at a stage.
func (a *Assessment) ClearRationale(itemID string, stage domain.LifecycleStage) {
	rec := a.touchItem(itemID)
	delete(rec.Rationale, stage)
	if len(rec.Rationale) == 0 {
		rec.Rationale = nil
	}
	a.touched()
}

// AttachMitigation pairs a mitigation with the item at a lifecycle stage.
// Insertion order is preserved; attaching twice is a no-op.
func (a *Assessment) AttachMitigation(itemID string, stage domain.LifecycleStage, mitigationID string) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown lifecycle stage %q", stage)
	}
	rec := a.touchItem(itemID)
	if rec.Mitigations == nil {
		rec.Mitigations = map[domain.LifecycleStage][]string{}
	}
	if !rec.HasMitigation(stage, mitigationID) {
		rec.Mitigations[stage] = append(rec.Mitigations[stage], mitigationID)
	}
	a.touched()
	return nil
}

// DetachMitigation removes the pairing. Implementation notes for the pairing
// are not cascade-removed; the validator reports them as orphaned.
func (a *Assessment) DetachMitigation(itemID string, stage domain.LifecycleStage, mitigationID string) {
	rec := a.touchItem(itemID)
	ids := rec.Mitigations[stage]
	kept := ids[:0]
	for _, id := range ids {
		if id != mitigationID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(rec.Mitigations, stage)
	} else {
		rec.Mitigations[stage] = kept
	}
	if len(rec.Mitigations) == 0 {
		rec.Mitigations = nil
	}
	a.touched()
}

// SetImplementationNote records planning detail for a mitigation pairing.
func (a *Assessment) SetImplementationNote(itemID string, stage domain.LifecycleStage, mitigationID string, note domain.ImplementationNote) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown lifecycle stage %q", stage)
	}
	if note.Status == "" {
		note.Status = domain.NotePlanned
	}
	if !note.Status.Valid() {
		return fmt.Errorf("unknown note status %q", note.Status)
	}
	if note.EffectivenessRating < 1 || note.EffectivenessRating > 5 {
		return fmt.Errorf("effectiveness rating %d out of range 1-5", note.EffectivenessRating)
	}
	rec := a.touchItem(itemID)
	if rec.ImplementationNotes == nil {
		rec.ImplementationNotes = map[domain.LifecycleStage]map[string]domain.ImplementationNote{}
	}
	if rec.ImplementationNotes[stage] == nil {
		rec.ImplementationNotes[stage] = map[string]domain.ImplementationNote{}
	}
	rec.ImplementationNotes[stage][mitigationID] = note
	a.touched()
	return nil
}

// ClearImplementationNote removes the note for a mitigation pairing.
func (a *Assessment) ClearImplementationNote(itemID string, stage domain.LifecycleStage, mitigationID string) {
	rec := a.touchItem(itemID)
	if notes := rec.ImplementationNotes[stage]; notes != nil {
		delete(notes, mitigationID)
		if len(notes) == 0 {
			delete(rec.ImplementationNotes, stage)
		}
	}
	if len(rec.ImplementationNotes) == 0 {
		rec.ImplementationNotes = nil
	}
	a.touched()
}

// AdvanceStage marks the current stage completed and moves one stage
// forward, capped at the final stage. Whether advancing is legal is the
// validator's call, made at the navigation boundary, not here.
func (a *Assessment) AdvanceStage() {
	cur := a.state.CurrentStage
	if cur > domain.StageMax {
		return
	}
	if !a.state.Completed(cur) {
		a.state.CompletedStages = append(a.state.CompletedStages, cur)
	}
	if cur < domain.StageMax {
		a.state.CurrentStage = cur + 1
	}
	a.touched()
}

// SetCurrentStage moves the user to a stage directly. Moving backward is
// always free; forward legality is gated by the validator before calling.
func (a *Assessment) SetCurrentStage(stage int) error {
	if stage < domain.StageMin || stage > domain.StageMax {
		return fmt.Errorf("stage %d out of range %d-%d", stage, domain.StageMin, domain.StageMax)
	}
	a.state.CurrentStage = stage
	a.touched()
	return nil
}

// SetName updates the session display name.
func (a *Assessment) SetName(name string) {
	a.name = name
	a.touched()
}

// SetDescription updates the session description.
func (a *Assessment) SetDescription(desc string) {
	a.description = desc
	a.touched()
}

// ID returns the session id.
func (a *Assessment) ID() string { return a.id }

// Name returns the session display name.
func (a *Assessment) Name() string { return a.name }

// State returns a copy of the workflow progress state.
func (a *Assessment) State() domain.WorkflowState {
	st := a.state
	st.CompletedStages = append([]int(nil), a.state.CompletedStages...)
	return st
}

// Item returns a copy of the record for itemID, if the user has touched it.
func (a *Assessment) Item(itemID string) (domain.ItemAssessment, bool) {
	rec, ok := a.items[itemID]
	if !ok {
		return domain.ItemAssessment{}, false
	}
	return rec.Clone(), true
}

// Items returns copies of every touched record keyed by item id.
func (a *Assessment) Items() map[string]domain.ItemAssessment {
	out := make(map[string]domain.ItemAssessment, len(a.items))
	for id, rec := range a.items {
		out[id] = rec.Clone()
	}
	return out
}

// ExportSnapshot serializes the full entity state.
func (a *Assessment) ExportSnapshot() domain.Snapshot {
	snap := domain.Snapshot{
		Version:     domain.SnapshotVersion,
		ID:          a.id,
		Name:        a.name,
		Description: a.description,
		DeckID:      a.deckID,
		DeckVersion: a.deckVersion,
		Items:       make(map[string]domain.ItemAssessment, len(a.items)),
		State:       a.State(),
		CreatedAt:   a.createdAt,
		UpdatedAt:   a.updatedAt,
	}
	for id, rec := range a.items {
		snap.Items[id] = rec.Clone()
	}
	return snap
}

// LoadSnapshot replaces all in-memory state wholesale. Used for persistence
// round-trips and migration ingestion.
func (a *Assessment) LoadSnapshot(snap domain.Snapshot) {
	snap = snap.Clone()
	a.id = snap.ID
	a.name = snap.Name
	a.description = snap.Description
	a.deckID = snap.DeckID
	a.deckVersion = snap.DeckVersion
	a.createdAt = snap.CreatedAt
	a.updatedAt = snap.UpdatedAt
	a.items = make(map[string]*domain.ItemAssessment, len(snap.Items))
	for id, rec := range snap.Items {
		r := rec
		a.items[id] = &r
	}
	a.state = snap.State
	if a.state.CurrentStage < domain.StageMin {
		a.state.CurrentStage = domain.StageMin
	}
	if a.state.CurrentStage > domain.StageMax {
		a.state.CurrentStage = domain.StageMax
	}
	if a.state.CompletedStages == nil {
		a.state.CompletedStages = []int{}
	}
}
