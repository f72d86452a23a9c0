// Package convert upgrades persisted assessment documents across schema
// generations. Three generations exist: the oldest flat-array format with no
// deck binding and inconsistent card references, the middle deck-bound flat
// format, and the current nested snapshot. Migration always runs one
// generation at a time so each step stays small and testable; a document is
// never mapped straight from oldest to newest.
//
// The downgrade direction is supported for export compatibility and is lossy
// where the forward step fanned one pairing out across several lifecycle
// stages: collapsing keeps one entry per (bias, mitigation) pair and the
// note data from the first mapped stage, and reports the collapse as a
// warning.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"biasflow/internal/catalog"
	"biasflow/internal/domain"
)

// ErrUnsupportedVersion is returned when raw data matches no known
// generation. The converter fails fast instead of guessing.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// Generation is a schema version of persisted data.
type Generation int

const (
	GenerationOldest Generation = 1
	GenerationMiddle Generation = 2
	GenerationNewest Generation = 3
)

func (g Generation) String() string {
	switch g {
	case GenerationOldest:
		return "oldest"
	case GenerationMiddle:
		return "middle"
	case GenerationNewest:
		return "newest"
	default:
		return fmt.Sprintf("generation(%d)", int(g))
	}
}

// Result is the outcome of a full upgrade run.
type Result struct {
	Snapshot domain.Snapshot
	// Warnings list unresolved references and other non-fatal reconciliation
	// notes. Nothing is silently dropped without one.
	Warnings []string
	// Path lists every generation the document passed through, oldest first.
	Path []Generation
}

// DowngradeResult is the outcome of an export-compatibility downgrade.
type DowngradeResult struct {
	Raw      []byte
	Warnings []string
	Path     []Generation
}

// Converter migrates documents against a live catalog.
type Converter struct {
	cat *catalog.Catalog
	Now func() time.Time
}

// New returns a converter bound to the catalog used for reference
// reconciliation.
func New(cat *catalog.Catalog) *Converter {
	return &Converter{cat: cat, Now: time.Now}
}

func (c *Converter) timestamp() string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// DetectVersion classifies raw data as exactly one generation. Every input
// classifies or the converter reports ErrUnsupportedVersion.
func DetectVersion(raw []byte) (Generation, error) {
	if !gjson.ValidBytes(raw) {
		return 0, fmt.Errorf("%w: not valid JSON", ErrUnsupportedVersion)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return 0, fmt.Errorf("%w: not a JSON object", ErrUnsupportedVersion)
	}
	switch version := doc.Get("version"); {
	case version.Exists() && version.Int() == int64(GenerationNewest):
		return GenerationNewest, nil
	case version.Exists() && version.Int() == int64(GenerationMiddle):
		return GenerationMiddle, nil
	case version.Exists():
		return 0, fmt.Errorf("%w: version tag %s", ErrUnsupportedVersion, version.Raw)
	}
	// No version tag: discriminate on shape.
	if doc.Get("items").Exists() && doc.Get("state").Exists() {
		return GenerationNewest, nil
	}
	if doc.Get("deckId").Exists() {
		return GenerationMiddle, nil
	}
	if doc.Get("biasRisks").Exists() || doc.Get("stageAssignments").Exists() || doc.Get("pairings").Exists() {
		return GenerationOldest, nil
	}
	return 0, fmt.Errorf("%w: no recognizable fields", ErrUnsupportedVersion)
}

// Upgrade migrates raw data of any supported generation to the current
// snapshot shape, one generation per step. Failure at any step aborts the
// whole pipeline; no partial snapshot is returned.
func (c *Converter) Upgrade(raw []byte) (Result, error) {
	gen, err := DetectVersion(raw)
	if err != nil {
		return Result{}, err
	}
	res := Result{Path: []Generation{gen}}
	if gen == GenerationOldest {
		middle, warns, err := c.OldestToMiddle(raw)
		if err != nil {
			return Result{}, fmt.Errorf("migrate %s: %w", GenerationOldest, err)
		}
		raw = middle
		res.Warnings = append(res.Warnings, warns...)
		gen = GenerationMiddle
		res.Path = append(res.Path, gen)
	}
	if gen == GenerationMiddle {
		snap, warns, err := c.MiddleToNewest(raw)
		if err != nil {
			return Result{}, fmt.Errorf("migrate %s: %w", GenerationMiddle, err)
		}
		res.Warnings = append(res.Warnings, warns...)
		res.Snapshot = snap
		res.Path = append(res.Path, GenerationNewest)
		return res, nil
	}
	snap, err := parseNewest(raw)
	if err != nil {
		return Result{}, fmt.Errorf("migrate %s: %w", GenerationNewest, err)
	}
	res.Snapshot = snap
	return res, nil
}

func parseNewest(raw []byte) (domain.Snapshot, error) {
	doc := gjson.ParseBytes(raw)
	if !doc.Get("items").Exists() || !doc.Get("state").Exists() {
		return domain.Snapshot{}, errors.New("required fields items and state are missing")
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("malformed snapshot: %w", err)
	}
	snap.Version = domain.SnapshotVersion
	if snap.Items == nil {
		snap.Items = map[string]domain.ItemAssessment{}
	}
	return snap, nil
}

// middle-generation document shape.
type middleDoc struct {
	Version          int                `json:"version"`
	ID               string             `json:"id,omitempty"`
	Name             string             `json:"name,omitempty"`
	Description      string             `json:"description,omitempty"`
	DeckID           string             `json:"deckId"`
	DeckVersion      string             `json:"deckVersion"`
	BiasRisks        []middleRisk       `json:"biasRisks"`
	StageAssignments []middleAssignment `json:"stageAssignments"`
	Pairings         []middlePairing    `json:"pairings"`
	CreatedAt        string             `json:"createdAt,omitempty"`
	UpdatedAt        string             `json:"updatedAt,omitempty"`
}

type middleRisk struct {
	BiasID       string `json:"biasId"`
	RiskCategory string `json:"riskCategory"`
	AssignedAt   string `json:"assignedAt,omitempty"`
}

type middleAssignment struct {
	BiasID     string `json:"biasId"`
	Stage      string `json:"stage"`
	Annotation string `json:"annotation,omitempty"`
}

type middlePairing struct {
	BiasID              string `json:"biasId"`
	MitigationID        string `json:"mitigationId"`
	EffectivenessRating int    `json:"effectivenessRating,omitempty"`
	Annotation          string `json:"annotation,omitempty"`
}

// OldestToMiddle rewrites every bare card reference through the catalog's
// reconciliation index and binds the document to the live deck. Legacy data
// referenced cards by numeric id, slug, or display name interchangeably.
// Unresolvable references are kept verbatim and surfaced as warnings, never
// dropped.
func (c *Converter) OldestToMiddle(raw []byte) ([]byte, []string, error) {
	if !gjson.ValidBytes(raw) {
		return nil, nil, errors.New("not valid JSON")
	}
	var warns []string
	doc := gjson.ParseBytes(raw)

	resolve := func(ref gjson.Result, what string) string {
		key := ref.String()
		if id, ok := c.cat.Resolve(key); ok {
			return id
		}
		warns = append(warns, fmt.Sprintf("unresolved %s reference %q left unmapped", what, key))
		return key
	}

	out := middleDoc{
		Version:     int(GenerationMiddle),
		Name:        doc.Get("name").String(),
		Description: doc.Get("description").String(),
		CreatedAt:   doc.Get("createdAt").String(),
		UpdatedAt:   doc.Get("updatedAt").String(),
	}
	meta := c.cat.Metadata()
	out.DeckID = meta.ID
	out.DeckVersion = meta.Version

	for _, entry := range doc.Get("biasRisks").Array() {
		out.BiasRisks = append(out.BiasRisks, middleRisk{
			BiasID:       resolve(entry.Get("bias"), "bias"),
			RiskCategory: normalizeRisk(entry.Get("risk").String()),
			AssignedAt:   entry.Get("assignedAt").String(),
		})
	}
	for _, entry := range doc.Get("stageAssignments").Array() {
		stage := entry.Get("stage").String()
		if !domain.LifecycleStage(stage).Valid() {
			warns = append(warns, fmt.Sprintf("unknown lifecycle stage %q kept as-is", stage))
		}
		out.StageAssignments = append(out.StageAssignments, middleAssignment{
			BiasID:     resolve(entry.Get("bias"), "bias"),
			Stage:      stage,
			Annotation: entry.Get("note").String(),
		})
	}
	for _, entry := range doc.Get("pairings").Array() {
		out.Pairings = append(out.Pairings, middlePairing{
			BiasID:              resolve(entry.Get("bias"), "bias"),
			MitigationID:        resolve(entry.Get("mitigation"), "mitigation"),
			EffectivenessRating: int(entry.Get("rating").Int()),
			Annotation:          entry.Get("note").String(),
		})
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	return encoded, warns, nil
}

// NormalizeMiddle stamps the generation tag onto a middle document that was
// detected by shape alone. Detection accepts deck-bound documents without a
// version field; everything downstream requires the tag.
func NormalizeMiddle(raw []byte) ([]byte, error) {
	if gjson.GetBytes(raw, "version").Exists() {
		return raw, nil
	}
	return sjson.SetBytes(raw, "version", int(GenerationMiddle))
}

// MiddleToNewest reconstructs nested assessment records from the flat
// assignment and pairing arrays. Pairings carry no stage context, so each one
// fans out across every lifecycle stage its bias is currently mapped to;
// rating or annotation data becomes an implementation note on each stage.
func (c *Converter) MiddleToNewest(raw []byte) (domain.Snapshot, []string, error) {
	raw, err := NormalizeMiddle(raw)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}
	var doc middleDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Snapshot{}, nil, fmt.Errorf("malformed document: %w", err)
	}
	var warns []string
	now := c.timestamp()

	snap := domain.Snapshot{
		Version:     domain.SnapshotVersion,
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		DeckID:      doc.DeckID,
		DeckVersion: doc.DeckVersion,
		Items:       map[string]domain.ItemAssessment{},
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
	if snap.CreatedAt == "" {
		snap.CreatedAt = now
	}
	if snap.UpdatedAt == "" {
		snap.UpdatedAt = now
	}
	snap.State = domain.WorkflowState{
		CurrentStage:    domain.StageMin,
		CompletedStages: []int{},
		StartedAt:       snap.CreatedAt,
		LastModifiedAt:  snap.UpdatedAt,
	}

	touch := func(biasID string) domain.ItemAssessment {
		rec, ok := snap.Items[biasID]
		if !ok {
			name := biasID
			if card, found := c.cat.Get(biasID); found {
				name = card.Name
			}
			rec = domain.ItemAssessment{ItemID: biasID, DisplayName: name}
		}
		return rec
	}

	// Risk assignments seed records.
	for _, risk := range doc.BiasRisks {
		rec := touch(risk.BiasID)
		category := domain.RiskCategory(normalizeRisk(risk.RiskCategory))
		if !category.Valid() {
			warns = append(warns, fmt.Sprintf("unknown risk category %q for %s mapped to needs-discussion", risk.RiskCategory, risk.BiasID))
			category = domain.RiskNeedsDiscussion
		}
		rec.RiskCategory = category
		rec.RiskAssignedAt = risk.AssignedAt
		if rec.RiskAssignedAt == "" {
			rec.RiskAssignedAt = snap.CreatedAt
		}
		snap.Items[risk.BiasID] = rec
	}

	// Stage assignments populate lifecycle mappings and seed rationale.
	for _, assign := range doc.StageAssignments {
		rec := touch(assign.BiasID)
		stage := domain.LifecycleStage(assign.Stage)
		if !rec.MappedTo(stage) {
			rec.LifecycleStages = append(rec.LifecycleStages, stage)
		}
		if assign.Annotation != "" {
			if rec.Rationale == nil {
				rec.Rationale = map[domain.LifecycleStage]string{}
			}
			rec.Rationale[stage] = assign.Annotation
		}
		snap.Items[assign.BiasID] = rec
	}

	// Pairings fan out across every stage the bias is mapped to.
	for _, pairing := range doc.Pairings {
		rec := touch(pairing.BiasID)
		if len(rec.LifecycleStages) == 0 {
			warns = append(warns, fmt.Sprintf("pairing %s/%s has no mapped lifecycle stage and was dropped", pairing.BiasID, pairing.MitigationID))
			continue
		}
		if rec.Mitigations == nil {
			rec.Mitigations = map[domain.LifecycleStage][]string{}
		}
		for _, stage := range rec.LifecycleStages {
			if !rec.HasMitigation(stage, pairing.MitigationID) {
				rec.Mitigations[stage] = append(rec.Mitigations[stage], pairing.MitigationID)
			}
			if pairing.EffectivenessRating > 0 || pairing.Annotation != "" {
				if rec.ImplementationNotes == nil {
					rec.ImplementationNotes = map[domain.LifecycleStage]map[string]domain.ImplementationNote{}
				}
				if rec.ImplementationNotes[stage] == nil {
					rec.ImplementationNotes[stage] = map[string]domain.ImplementationNote{}
				}
				rec.ImplementationNotes[stage][pairing.MitigationID] = domain.ImplementationNote{
					EffectivenessRating: pairing.EffectivenessRating,
					Status:              domain.NotePlanned,
					FreeText:            pairing.Annotation,
				}
			}
		}
		snap.Items[pairing.BiasID] = rec
	}

	return snap, warns, nil
}

// Downgrade converts a current snapshot to an older generation for export
// compatibility, one step at a time. The result is lossy where the forward
// direction was many-to-one; warnings describe what was collapsed.
func (c *Converter) Downgrade(snap domain.Snapshot, target Generation) (DowngradeResult, error) {
	switch target {
	case GenerationNewest:
		raw, err := json.Marshal(snap)
		if err != nil {
			return DowngradeResult{}, err
		}
		return DowngradeResult{Raw: raw, Path: []Generation{GenerationNewest}}, nil
	case GenerationMiddle, GenerationOldest:
	default:
		return DowngradeResult{}, fmt.Errorf("%w: target %s", ErrUnsupportedVersion, target)
	}

	res := DowngradeResult{Path: []Generation{GenerationNewest}}
	raw, warns, err := c.NewestToMiddle(snap)
	if err != nil {
		return DowngradeResult{}, fmt.Errorf("migrate %s: %w", GenerationNewest, err)
	}
	res.Warnings = append(res.Warnings, warns...)
	res.Path = append(res.Path, GenerationMiddle)
	if target == GenerationMiddle {
		res.Raw = raw
		return res, nil
	}

	raw, warns, err = c.MiddleToOldest(raw)
	if err != nil {
		return DowngradeResult{}, fmt.Errorf("migrate %s: %w", GenerationMiddle, err)
	}
	res.Warnings = append(res.Warnings, warns...)
	res.Path = append(res.Path, GenerationOldest)
	res.Raw = raw
	return res, nil
}

// NewestToMiddle flattens nested records into the middle-generation arrays.
// Collapsing the per-stage mitigation fan-out loses which stage originally
// justified each pairing; the first mapped stage's note data wins and the
// collapse is reported as a warning.
func (c *Converter) NewestToMiddle(snap domain.Snapshot) ([]byte, []string, error) {
	var warns []string
	doc := middleDoc{
		Version:     int(GenerationMiddle),
		ID:          snap.ID,
		Name:        snap.Name,
		Description: snap.Description,
		DeckID:      snap.DeckID,
		DeckVersion: snap.DeckVersion,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
	}

	ids := make([]string, 0, len(snap.Items))
	for id := range snap.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := snap.Items[id]
		if rec.RiskCategory != "" {
			doc.BiasRisks = append(doc.BiasRisks, middleRisk{
				BiasID:       id,
				RiskCategory: string(rec.RiskCategory),
				AssignedAt:   rec.RiskAssignedAt,
			})
		}
		for _, stage := range rec.LifecycleStages {
			doc.StageAssignments = append(doc.StageAssignments, middleAssignment{
				BiasID:     id,
				Stage:      string(stage),
				Annotation: rec.Rationale[stage],
			})
		}
		seen := map[string]int{}
		for _, stage := range rec.LifecycleStages {
			for _, mitigationID := range rec.Mitigations[stage] {
				seen[mitigationID]++
				if seen[mitigationID] > 1 {
					continue
				}
				pairing := middlePairing{BiasID: id, MitigationID: mitigationID}
				if notes := rec.ImplementationNotes[stage]; notes != nil {
					if note, ok := notes[mitigationID]; ok {
						pairing.EffectivenessRating = note.EffectivenessRating
						pairing.Annotation = note.FreeText
					}
				}
				doc.Pairings = append(doc.Pairings, pairing)
			}
		}
		// Mitigations at stages the item is no longer mapped to (orphans)
		// are exported too; they were user work.
		for stage, mitigationIDs := range rec.Mitigations {
			if rec.MappedTo(stage) {
				continue
			}
			for _, mitigationID := range mitigationIDs {
				seen[mitigationID]++
				if seen[mitigationID] > 1 {
					continue
				}
				doc.Pairings = append(doc.Pairings, middlePairing{BiasID: id, MitigationID: mitigationID})
			}
		}
		for mitigationID, count := range seen {
			if count > 1 {
				warns = append(warns, fmt.Sprintf("pairing %s/%s appeared at %d stages and was collapsed to one entry", id, mitigationID, count))
			}
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	return raw, warns, nil
}

// MiddleToOldest strips the deck binding and rewrites entries into the
// legacy field names. Card references stay canonical slugs; the legacy
// format accepted those alongside numeric ids.
func (c *Converter) MiddleToOldest(raw []byte) ([]byte, []string, error) {
	raw, err := NormalizeMiddle(raw)
	if err != nil {
		return nil, nil, err
	}
	var doc middleDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("malformed document: %w", err)
	}

	type oldRisk struct {
		Bias string `json:"bias"`
		Risk string `json:"risk"`
	}
	type oldAssignment struct {
		Bias  string `json:"bias"`
		Stage string `json:"stage"`
		Note  string `json:"note,omitempty"`
	}
	type oldPairing struct {
		Bias       string `json:"bias"`
		Mitigation string `json:"mitigation"`
		Rating     int    `json:"rating,omitempty"`
		Note       string `json:"note,omitempty"`
	}
	out := struct {
		Name             string          `json:"name,omitempty"`
		BiasRisks        []oldRisk       `json:"biasRisks"`
		StageAssignments []oldAssignment `json:"stageAssignments"`
		Pairings         []oldPairing    `json:"pairings"`
	}{Name: doc.Name}

	for _, risk := range doc.BiasRisks {
		out.BiasRisks = append(out.BiasRisks, oldRisk{Bias: risk.BiasID, Risk: risk.RiskCategory})
	}
	for _, assign := range doc.StageAssignments {
		out.StageAssignments = append(out.StageAssignments, oldAssignment{Bias: assign.BiasID, Stage: assign.Stage, Note: assign.Annotation})
	}
	for _, pairing := range doc.Pairings {
		out.Pairings = append(out.Pairings, oldPairing{
			Bias:       pairing.BiasID,
			Mitigation: pairing.MitigationID,
			Rating:     pairing.EffectivenessRating,
			Note:       pairing.Annotation,
		})
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	// Deck binding and the version tag do not exist in the oldest shape.
	warns := []string{"deck binding dropped; oldest format carries no catalog identity"}
	for _, field := range []string{"version", "deckId", "deckVersion"} {
		if encoded, err = sjson.DeleteBytes(encoded, field); err != nil {
			return nil, nil, err
		}
	}
	return encoded, warns, nil
}

func normalizeRisk(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	return s
}
