// Package engine ties the stores together: it hydrates assessment sessions
// through the format converter, applies workflow mutations, gates stage
// navigation through the validator, and persists the resulting snapshot with
// an audit event. All mutation methods are synchronous and single-writer per
// session; persistence happens strictly after the in-memory mutation
// completes.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"biasflow/internal/catalog"
	"biasflow/internal/config"
	"biasflow/internal/convert"
	"biasflow/internal/domain"
	"biasflow/internal/events"
	"biasflow/internal/repo"
	"biasflow/internal/validate"
	"biasflow/internal/workflow"
)

// ErrStageGate is returned when advancing past an incomplete stage.
var ErrStageGate = errors.New("stage gate: completion criteria not met")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Catalog *catalog.Catalog
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cat *catalog.Catalog, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Catalog: cat,
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) validator(snap domain.Snapshot) *validate.Validator {
	opts := []validate.Option{}
	if e.Config != nil {
		opts = append(opts,
			validate.WithStrict(e.Config.Strict),
			validate.WithThresholds(e.Config.ValidatorThresholds()),
		)
	}
	return validate.New(snap, e.Catalog, opts...)
}

// CreateSession seeds a new assessment bound to the loaded deck.
func (e Engine) CreateSession(ctx context.Context, name, description, actorID string) (domain.Snapshot, error) {
	if name == "" {
		return domain.Snapshot{}, errors.New("name is required")
	}
	a := workflow.New(e.Catalog, uuid.New().String(), name, description)
	a.Now = e.now
	snap := a.ExportSnapshot()
	if err := e.save(ctx, snap, "session.created", actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// GetSession hydrates a stored session. Snapshots persisted in an older
// generation are upgraded through the converter one generation at a time and
// written back in the current shape.
func (e Engine) GetSession(ctx context.Context, sessionID string) (*workflow.Assessment, []string, error) {
	raw, err := e.Repo.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	res, err := convert.New(e.Catalog).Upgrade([]byte(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	snap := res.Snapshot
	if snap.ID == "" {
		snap.ID = sessionID
	}
	if len(res.Path) > 1 {
		if err := e.save(ctx, snap, "session.migrated", "system", events.EventPayload{
			"from":     res.Path[0].String(),
			"warnings": len(res.Warnings),
		}); err != nil {
			return nil, nil, err
		}
	}
	a := workflow.FromSnapshot(e.Catalog, snap)
	a.Now = e.now
	return a, res.Warnings, nil
}

// ListSessions returns the stored session rows.
func (e Engine) ListSessions(ctx context.Context) ([]domain.SessionInfo, error) {
	return e.Repo.ListSessions(ctx)
}

// DeleteSession removes a session and logs the removal.
func (e Engine) DeleteSession(ctx context.Context, sessionID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteSessionTx(ctx, tx, sessionID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "session.deleted", sessionID, "session", sessionID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetSession discards all item records and progress, keeping the id and
// name.
func (e Engine) ResetSession(ctx context.Context, sessionID, actorID string) (domain.Snapshot, error) {
	a, _, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	fresh := workflow.New(e.Catalog, a.ID(), a.Name(), "")
	fresh.Now = e.now
	snap := fresh.ExportSnapshot()
	if err := e.save(ctx, snap, "session.reset", actorID, nil); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// AssignRisk sets an item's risk category (stage 1).
func (e Engine) AssignRisk(ctx context.Context, sessionID, itemID string, category domain.RiskCategory, actorID string) (domain.Snapshot, error) {
	return e.mutateItem(ctx, sessionID, itemID, actorID, "item.risk.assigned",
		events.EventPayload{"category": string(category)},
		func(a *workflow.Assessment) error { return a.AssignRisk(itemID, category) })
}

// ClearRisk unsets an item's risk category.
func (e Engine) ClearRisk(ctx context.Context, sessionID, itemID, actorID string) (domain.Snapshot, error) {
	return e.mutateItem(ctx, sessionID, itemID, actorID, "item.risk.cleared", nil,
		func(a *workflow.Assessment) error { a.ClearRisk(itemID); return nil })
}

// MapStage maps an item to a lifecycle stage (stage 2).
func (e Engine) MapStage(ctx context.Context, sessionID, itemID string, stage domain.LifecycleStage, actorID string) (domain.Snapshot, error) {
	return e.mutateItem(ctx, sessionID, itemID, actorID, "item.stage.mapped",
		events.EventPayload{"stage": string(stage)},
		func(a *workflow.Assessment) error { return a.MapToLifecycleStage(itemID, stage) })
}

// UnmapStage removes an item from a lifecycle stage. Dependent rationale and
// mitigations stay behind as orphans.
func (e Engine) UnmapStage(ctx context.Context, sessionID, itemID string, stage domain.LifecycleStage, actorID string) (domain.Snapshot, error) {
	return e.mutateItem(ctx, sessionID, itemID, actorID, "item.stage.unmapped",
		events.EventPayload{"stage": string(stage)},
		func(a *workflow.Assessment) error { a.UnmapFromLifecycleStage(itemID, stage); return nil })
}

// SetRationale records rationale for an item at a stage (stage 3).
func (e Engine) SetRationale(ctx context.Context, sessionID, itemID string, stage domain.LifecycleStage, text, actorID string) (domain.Snapshot, error) {
	return e.mutateItem(ctx, sessionID, itemID, actorID, "item.rationale.set",
		events.EventPayload{"stage": string(stage)},
		func(a *workflow.Assessment) error { return a.SetRationale(itemID, stage, text) })
}

// ClearRationale removes rationale for an item at a stage.
func (e Engine) ClearRationale(ctx context.Context, sessionID, itemID string, stage domain.LifecycleStage, actorID string) (domain.Snapshot, error) {
	return e.mutateItem(ctx, sessionID, itemID, actorID, "item.rationale.cleared",
		events.EventPayload{"stage": string(stage)},
		func(a *workflow.Assessment) error { a.ClearRationale(itemID, stage); return nil })
}

// AttachMitigation pairs a mitigation with an item at a stage (stage 4).
func (e Engine) AttachMitigation(ctx context.Context, sessionID, itemID string, stage domain.LifecycleStage, mitigationID, actorID string) (domain.Snapshot, error) {
	return e.mutateItem(ctx, sessionID, itemID, actorID, "item.mitigation.attached",
		events.EventPayload{"stage": string(stage), "mitigation": mitigationID},
		func(a *workflow.Assessment) error { return a.AttachMitigation(itemID, stage, mitigationID) })
}

// DetachMitigation removes a pairing. Implementation notes stay behind.
func (e Engine) DetachMitigation(ctx context.Context, sessionID, itemID string, stage domain.LifecycleStage, mitigationID, actorID string) (domain.Snapshot, error) {
	return e.mutateItem(ctx, sessionID, itemID, actorID, "item.mitigation.detached",
		events.EventPayload{"stage": string(stage), "mitigation": mitigationID},
		func(a *workflow.Assessment) error { a.DetachMitigation(itemID, stage, mitigationID); return nil })
}

// SetNote records an implementation note for a pairing (stage 5).
func (e Engine) SetNote(ctx context.Context, sessionID, itemID string, stage domain.LifecycleStage, mitigationID string, note domain.ImplementationNote, actorID string) (domain.Snapshot, error) {
	return e.mutateItem(ctx, sessionID, itemID, actorID, "item.note.set",
		events.EventPayload{"stage": string(stage), "mitigation": mitigationID, "status": string(note.Status)},
		func(a *workflow.Assessment) error {
			return a.SetImplementationNote(itemID, stage, mitigationID, note)
		})
}

// ClearNote removes an implementation note.
func (e Engine) ClearNote(ctx context.Context, sessionID, itemID string, stage domain.LifecycleStage, mitigationID, actorID string) (domain.Snapshot, error) {
	return e.mutateItem(ctx, sessionID, itemID, actorID, "item.note.cleared",
		events.EventPayload{"stage": string(stage), "mitigation": mitigationID},
		func(a *workflow.Assessment) error {
			a.ClearImplementationNote(itemID, stage, mitigationID)
			return nil
		})
}

// Advance moves the session forward one workflow stage. The validator gates
// the move; force bypasses the gate and is recorded in the audit log.
func (e Engine) Advance(ctx context.Context, sessionID, actorID string, force bool) (domain.WorkflowState, error) {
	a, _, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	cur := a.State().CurrentStage
	if !force && cur < domain.StageMax {
		v := e.validator(a.ExportSnapshot())
		if !v.CanAdvanceTo(cur + 1) {
			return a.State(), fmt.Errorf("%w: %s incomplete", ErrStageGate, domain.StageName(cur))
		}
	}
	a.AdvanceStage()
	snap := a.ExportSnapshot()
	if err := e.save(ctx, snap, "session.stage.advanced", actorID, events.EventPayload{
		"from":  cur,
		"to":    snap.State.CurrentStage,
		"force": force,
	}); err != nil {
		return domain.WorkflowState{}, err
	}
	return snap.State, nil
}

// GoToStage navigates to an arbitrary stage. Backward moves are always free;
// forward moves respect the validator unless forced.
func (e Engine) GoToStage(ctx context.Context, sessionID string, target int, actorID string, force bool) (domain.WorkflowState, error) {
	a, _, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	if !force {
		v := e.validator(a.ExportSnapshot())
		if !v.CanAdvanceTo(target) {
			return a.State(), fmt.Errorf("%w: cannot move to stage %d", ErrStageGate, target)
		}
	}
	if err := a.SetCurrentStage(target); err != nil {
		return a.State(), err
	}
	snap := a.ExportSnapshot()
	if err := e.save(ctx, snap, "session.stage.moved", actorID, events.EventPayload{"to": target, "force": force}); err != nil {
		return domain.WorkflowState{}, err
	}
	return snap.State, nil
}

// Validate runs the full validator over a session.
func (e Engine) Validate(ctx context.Context, sessionID string) (validate.Report, error) {
	a, _, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return validate.Report{}, err
	}
	return e.validator(a.ExportSnapshot()).Validate(), nil
}

// Progress returns the weighted completeness metrics for a session.
func (e Engine) Progress(ctx context.Context, sessionID string) (validate.Metrics, error) {
	a, _, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return validate.Metrics{}, err
	}
	return e.validator(a.ExportSnapshot()).ProgressMetrics(), nil
}

// StageStatus reports per-stage completion and advisory warnings.
type StageStatus struct {
	Stage    int      `json:"stage"`
	Name     string   `json:"name"`
	Complete bool     `json:"complete"`
	Current  bool     `json:"current"`
	Warnings []string `json:"warnings,omitempty"`
}

// Status returns the gate state of all five stages.
func (e Engine) Status(ctx context.Context, sessionID string) ([]StageStatus, error) {
	a, _, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap := a.ExportSnapshot()
	v := e.validator(snap)
	out := make([]StageStatus, 0, domain.StageMax)
	for stage := domain.StageMin; stage <= domain.StageMax; stage++ {
		out = append(out, StageStatus{
			Stage:    stage,
			Name:     domain.StageName(stage),
			Complete: v.StageComplete(stage),
			Current:  snap.State.CurrentStage == stage,
			Warnings: v.StageWarnings(stage),
		})
	}
	return out, nil
}

// Import accepts raw snapshot JSON of any supported generation, migrates it
// to the current shape, and stores it. The import is all-or-nothing: a
// migration failure, missing required fields, or a deck mismatch rejects the
// whole document.
func (e Engine) Import(ctx context.Context, raw []byte, actorID string) (domain.Snapshot, []string, error) {
	res, err := convert.New(e.Catalog).Upgrade(raw)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}
	snap := res.Snapshot
	meta := e.Catalog.Metadata()
	if snap.DeckID != "" && snap.DeckID != meta.ID {
		return domain.Snapshot{}, nil, fmt.Errorf("deck mismatch: snapshot is bound to %s but catalog is %s", snap.DeckID, meta.ID)
	}
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.Name == "" {
		snap.Name = "imported assessment"
	}
	if snap.DeckID == "" {
		snap.DeckID = meta.ID
		snap.DeckVersion = meta.Version
	}
	if err := e.save(ctx, snap, "session.imported", actorID, events.EventPayload{
		"generation": res.Path[0].String(),
		"warnings":   len(res.Warnings),
	}); err != nil {
		return domain.Snapshot{}, nil, err
	}
	return snap, res.Warnings, nil
}

// Export serializes a session at the requested generation. Downgrades are
// lossy; the returned warnings say what was collapsed.
func (e Engine) Export(ctx context.Context, sessionID string, gen convert.Generation) ([]byte, []string, error) {
	a, _, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	res, err := convert.New(e.Catalog).Downgrade(a.ExportSnapshot(), gen)
	if err != nil {
		return nil, nil, err
	}
	return res.Raw, res.Warnings, nil
}

func (e Engine) mutateItem(ctx context.Context, sessionID, itemID, actorID, evtType string, payload events.EventPayload, fn func(*workflow.Assessment) error) (domain.Snapshot, error) {
	a, _, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := fn(a); err != nil {
		return domain.Snapshot{}, err
	}
	snap := a.ExportSnapshot()
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["item"] = itemID
	if err := e.saveEntity(ctx, snap, evtType, "item", itemID, actorID, payload); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func (e Engine) save(ctx context.Context, snap domain.Snapshot, evtType, actorID string, payload events.EventPayload) error {
	return e.saveEntity(ctx, snap, evtType, "session", snap.ID, actorID, payload)
}

func (e Engine) saveEntity(ctx context.Context, snap domain.Snapshot, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	info := domain.SessionInfo{
		ID:          snap.ID,
		Name:        snap.Name,
		DeckID:      snap.DeckID,
		DeckVersion: snap.DeckVersion,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
	}
	if err := e.Repo.SaveSessionTx(ctx, tx, info, string(raw)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := e.Events.Append(ctx, tx, evtType, snap.ID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
