// Package validate computes stage completion, progression legality, and
// structured findings over a snapshot and its catalog. A Validator is a pure
// view: it is constructed fresh per query, never caches, and never mutates
// the data it inspects.
package validate

import (
	"fmt"
	"math"

	"biasflow/internal/catalog"
	"biasflow/internal/domain"
)

// Thresholds are the per-stage completion quorums. They are workflow
// configuration, not algorithmic logic, and are injected by the caller.
type Thresholds struct {
	// Stage1MinAssessed is the minimum number of risk-categorized items.
	Stage1MinAssessed int
	// Stage3RationaleFraction is the required rationale coverage over
	// lifecycle-mapped (item, stage) pairs.
	Stage3RationaleFraction float64
	// Stage5NoteFraction is the required implementation-note coverage over
	// attached mitigation pairings.
	Stage5NoteFraction float64
}

// DefaultThresholds returns the documented defaults: stage 1 needs at least
// ten categorized items, stage 3 rationale on 60% of mapped pairs, stage 5
// notes on 80% of selected mitigations.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Stage1MinAssessed:       10,
		Stage3RationaleFraction: 0.6,
		Stage5NoteFraction:      0.8,
	}
}

type FindingType string

const (
	FindingDeck        FindingType = "deck"
	FindingProgression FindingType = "progression"
	FindingReference   FindingType = "reference"
)

// Finding is one structured validation result.
type Finding struct {
	Type    FindingType           `json:"type"`
	ItemID  string                `json:"item_id,omitempty"`
	Stage   domain.LifecycleStage `json:"stage,omitempty"`
	Message string                `json:"message"`
}

// Report is the union of the validator's passes.
type Report struct {
	Errors   []Finding `json:"errors"`
	Warnings []Finding `json:"warnings"`
}

// OK reports whether validation produced no errors.
func (r Report) OK() bool { return len(r.Errors) == 0 }

// Metrics is the weighted progress summary used for displays, not gating.
type Metrics struct {
	Assessed            int `json:"assessed"`
	Mapped              int `json:"mapped"`
	RationalePresent    int `json:"rationale_present"`
	Mitigated           int `json:"mitigated"`
	Implemented         int `json:"implemented"`
	OverallCompleteness int `json:"overall_completeness"`
}

// Validator inspects one snapshot against one catalog.
type Validator struct {
	snap       domain.Snapshot
	cat        *catalog.Catalog
	strict     bool
	thresholds Thresholds
}

type Option func(*Validator)

// WithStrict promotes soft-rule checks to errors.
func WithStrict(strict bool) Option {
	return func(v *Validator) { v.strict = strict }
}

// WithThresholds overrides the default completion quorums.
func WithThresholds(t Thresholds) Option {
	return func(v *Validator) { v.thresholds = t }
}

// New builds a validator over a snapshot and the live catalog.
func New(snap domain.Snapshot, cat *catalog.Catalog, opts ...Option) *Validator {
	v := &Validator{
		snap:       snap,
		cat:        cat,
		thresholds: DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// StageComplete evaluates the completion quorum for one workflow stage.
// The rules deliberately allow partial completion so users can progress
// without exhaustively finishing every item.
func (v *Validator) StageComplete(stage int) bool {
	switch stage {
	case domain.StageRiskCategorization:
		return v.countAssessed() >= v.thresholds.Stage1MinAssessed
	case domain.StageLifecycleMapping:
		if len(v.snap.Items) == 0 {
			return false
		}
		for _, rec := range v.snap.Items {
			if len(rec.LifecycleStages) == 0 {
				return false
			}
		}
		return true
	case domain.StageRationaleCapture:
		total, covered := v.rationaleCoverage()
		if total == 0 {
			return false
		}
		return float64(covered)/float64(total) >= v.thresholds.Stage3RationaleFraction
	case domain.StageMitigationSelect:
		for _, rec := range v.snap.Items {
			if rec.RiskCategory == domain.RiskHigh && countMitigations(rec) == 0 {
				return false
			}
		}
		return true
	case domain.StageImplementationPlan:
		pairings, noted := v.noteCoverage()
		if pairings == 0 {
			return false
		}
		return float64(noted)/float64(pairings) >= v.thresholds.Stage5NoteFraction
	default:
		return false
	}
}

// CanAdvanceTo reports whether navigation to the target stage is legal:
// backward moves are free, previously completed stages stay reachable, and a
// forward move is allowed only one stage at a time with the current stage's
// quorum met. Skipping stages is never legal.
func (v *Validator) CanAdvanceTo(target int) bool {
	if target < domain.StageMin || target > domain.StageMax {
		return false
	}
	cur := v.snap.State.CurrentStage
	if target <= cur {
		return true
	}
	if v.snap.State.Completed(target) {
		return true
	}
	return target == cur+1 && v.StageComplete(cur)
}

// Validate runs the deck-compatibility, stage-progression, and
// referential-integrity passes and unions their findings. It never mutates
// or repairs data.
func (v *Validator) Validate() Report {
	var rep Report
	rep.Errors = append(rep.Errors, v.checkDeck()...)
	rep.Errors = append(rep.Errors, v.checkProgression()...)
	rep.Errors = append(rep.Errors, v.checkReferences()...)
	if v.strict {
		rep.Errors = append(rep.Errors, v.checkStrict()...)
	}
	return rep
}

func (v *Validator) checkDeck() []Finding {
	meta := v.cat.Metadata()
	var out []Finding
	if v.snap.DeckID != "" && v.snap.DeckID != meta.ID {
		out = append(out, Finding{
			Type:    FindingDeck,
			Message: fmt.Sprintf("snapshot is bound to deck %s but catalog is %s", v.snap.DeckID, meta.ID),
		})
	}
	if v.snap.DeckVersion != "" && v.snap.DeckVersion != meta.Version {
		out = append(out, Finding{
			Type:    FindingDeck,
			Message: fmt.Sprintf("snapshot expects deck version %s but catalog is %s", v.snap.DeckVersion, meta.Version),
		})
	}
	return out
}

func (v *Validator) checkProgression() []Finding {
	var out []Finding
	for id, rec := range v.snap.Items {
		if len(rec.LifecycleStages) > 0 && rec.RiskCategory == "" {
			out = append(out, Finding{
				Type:    FindingProgression,
				ItemID:  id,
				Message: "item is lifecycle-mapped but has no risk category",
			})
		}
		for stage := range rec.Rationale {
			if !rec.MappedTo(stage) {
				out = append(out, Finding{
					Type:    FindingProgression,
					ItemID:  id,
					Stage:   stage,
					Message: "rationale recorded for a stage the item is not mapped to",
				})
			}
		}
		for stage := range rec.Mitigations {
			if !rec.MappedTo(stage) {
				out = append(out, Finding{
					Type:    FindingProgression,
					ItemID:  id,
					Stage:   stage,
					Message: "mitigations attached for a stage the item is not mapped to",
				})
			}
		}
		for stage, notes := range rec.ImplementationNotes {
			for mitigationID := range notes {
				if !rec.HasMitigation(stage, mitigationID) {
					out = append(out, Finding{
						Type:    FindingProgression,
						ItemID:  id,
						Stage:   stage,
						Message: fmt.Sprintf("implementation note for %s has no matching mitigation", mitigationID),
					})
				}
			}
		}
	}
	return out
}

func (v *Validator) checkReferences() []Finding {
	var out []Finding
	for id, rec := range v.snap.Items {
		if _, ok := v.cat.Get(id); !ok {
			out = append(out, Finding{
				Type:    FindingReference,
				ItemID:  id,
				Message: fmt.Sprintf("item %s does not resolve in the catalog", id),
			})
		}
		for stage, ids := range rec.Mitigations {
			for _, mitigationID := range ids {
				if _, ok := v.cat.Get(mitigationID); !ok {
					out = append(out, Finding{
						Type:    FindingReference,
						ItemID:  id,
						Stage:   stage,
						Message: fmt.Sprintf("mitigation %s does not resolve in the catalog", mitigationID),
					})
				}
			}
		}
		for stage, notes := range rec.ImplementationNotes {
			for mitigationID := range notes {
				if _, ok := v.cat.Get(mitigationID); !ok {
					out = append(out, Finding{
						Type:    FindingReference,
						ItemID:  id,
						Stage:   stage,
						Message: fmt.Sprintf("implementation note references unknown mitigation %s", mitigationID),
					})
				}
			}
		}
	}
	return out
}

// checkStrict adds soft rules that only block in strict mode.
func (v *Validator) checkStrict() []Finding {
	var out []Finding
	for id, rec := range v.snap.Items {
		for _, stage := range rec.LifecycleStages {
			if _, ok := rec.Rationale[stage]; !ok {
				out = append(out, Finding{
					Type:    FindingProgression,
					ItemID:  id,
					Stage:   stage,
					Message: "lifecycle-mapped item has no rationale for this stage",
				})
			}
		}
	}
	return out
}

// StageWarnings returns advisory, human-readable counts for one stage.
// Warnings never block navigation.
func (v *Validator) StageWarnings(stage int) []string {
	var out []string
	switch stage {
	case domain.StageRiskCategorization:
		if n := len(v.snap.Items) - v.countAssessed(); n > 0 {
			out = append(out, fmt.Sprintf("%d touched items have no risk category", n))
		}
		if n := v.countByRisk(domain.RiskNeedsDiscussion); n > 0 {
			out = append(out, fmt.Sprintf("%d items are marked needs-discussion", n))
		}
	case domain.StageLifecycleMapping:
		n := 0
		for _, rec := range v.snap.Items {
			if rec.RiskCategory != "" && len(rec.LifecycleStages) == 0 {
				n++
			}
		}
		if n > 0 {
			out = append(out, fmt.Sprintf("%d assessed items are not mapped to any lifecycle stage", n))
		}
	case domain.StageRationaleCapture:
		total, covered := v.rationaleCoverage()
		if missing := total - covered; missing > 0 {
			out = append(out, fmt.Sprintf("%d lifecycle mappings have no rationale", missing))
		}
	case domain.StageMitigationSelect:
		n := 0
		for _, rec := range v.snap.Items {
			if rec.RiskCategory == domain.RiskHigh && countMitigations(rec) == 0 {
				n++
			}
		}
		if n > 0 {
			out = append(out, fmt.Sprintf("%d high-risk items have no mitigation", n))
		}
	case domain.StageImplementationPlan:
		pairings, noted := v.noteCoverage()
		if missing := pairings - noted; missing > 0 {
			out = append(out, fmt.Sprintf("%d selected mitigations have no implementation note", missing))
		}
	}
	return out
}

// ProgressMetrics returns the weighted-average completeness score across the
// five assessment dimensions, each as an integer percentage.
func (v *Validator) ProgressMetrics() Metrics {
	touched := len(v.snap.Items)
	mappedItems := 0
	mitigatedItems := 0
	for _, rec := range v.snap.Items {
		if len(rec.LifecycleStages) > 0 {
			mappedItems++
			if countMitigations(rec) > 0 {
				mitigatedItems++
			}
		}
	}
	pairs, rationaleCovered := v.rationaleCoverage()
	pairings, noted := v.noteCoverage()

	m := Metrics{
		Assessed:         percent(v.countAssessed(), touched),
		Mapped:           percent(mappedItems, touched),
		RationalePresent: percent(rationaleCovered, pairs),
		Mitigated:        percent(mitigatedItems, mappedItems),
		Implemented:      percent(noted, pairings),
	}
	sum := m.Assessed + m.Mapped + m.RationalePresent + m.Mitigated + m.Implemented
	m.OverallCompleteness = int(math.Round(float64(sum) / 5.0))
	return m
}

func (v *Validator) countAssessed() int {
	n := 0
	for _, rec := range v.snap.Items {
		if rec.RiskCategory != "" {
			n++
		}
	}
	return n
}

func (v *Validator) countByRisk(cat domain.RiskCategory) int {
	n := 0
	for _, rec := range v.snap.Items {
		if rec.RiskCategory == cat {
			n++
		}
	}
	return n
}

// rationaleCoverage counts lifecycle-mapped (item, stage) pairs and how many
// of them carry rationale.
func (v *Validator) rationaleCoverage() (total, covered int) {
	for _, rec := range v.snap.Items {
		for _, stage := range rec.LifecycleStages {
			total++
			if _, ok := rec.Rationale[stage]; ok {
				covered++
			}
		}
	}
	return total, covered
}

// noteCoverage counts attached mitigation pairings and how many carry an
// implementation note.
func (v *Validator) noteCoverage() (pairings, noted int) {
	for _, rec := range v.snap.Items {
		for stage, ids := range rec.Mitigations {
			for _, mitigationID := range ids {
				pairings++
				if notes := rec.ImplementationNotes[stage]; notes != nil {
					if _, ok := notes[mitigationID]; ok {
						noted++
					}
				}
			}
		}
	}
	return pairings, noted
}

func countMitigations(rec domain.ItemAssessment) int {
	n := 0
	for _, ids := range rec.Mitigations {
		n += len(ids)
	}
	return n
}

func percent(num, den int) int {
	if den == 0 {
		return 0
	}
	return int(math.Round(100 * float64(num) / float64(den)))
}
