package domain

// SnapshotVersion is the current persisted snapshot generation.
const SnapshotVersion = 3

// Workflow stages 1..5 of the assessment process.
const (
	StageRiskCategorization = 1
	StageLifecycleMapping   = 2
	StageRationaleCapture   = 3
	StageMitigationSelect   = 4
	StageImplementationPlan = 5

	StageMin = StageRiskCategorization
	StageMax = StageImplementationPlan
)

// StageName returns a human-readable label for a workflow stage.
func StageName(stage int) string {
	switch stage {
	case StageRiskCategorization:
		return "risk categorization"
	case StageLifecycleMapping:
		return "lifecycle mapping"
	case StageRationaleCapture:
		return "rationale capture"
	case StageMitigationSelect:
		return "mitigation selection"
	case StageImplementationPlan:
		return "implementation planning"
	default:
		return "unknown"
	}
}

type RiskCategory string

const (
	RiskHigh            RiskCategory = "high"
	RiskMedium          RiskCategory = "medium"
	RiskLow             RiskCategory = "low"
	RiskNeedsDiscussion RiskCategory = "needs-discussion"
)

// Valid reports whether c is one of the known risk categories.
func (c RiskCategory) Valid() bool {
	switch c {
	case RiskHigh, RiskMedium, RiskLow, RiskNeedsDiscussion:
		return true
	}
	return false
}

type NoteStatus string

const (
	NotePlanned     NoteStatus = "planned"
	NoteInProgress  NoteStatus = "in-progress"
	NoteImplemented NoteStatus = "implemented"
)

func (s NoteStatus) Valid() bool {
	switch s {
	case NotePlanned, NoteInProgress, NoteImplemented:
		return true
	}
	return false
}

// LifecycleStage is one phase of the ML project lifecycle, distinct from the
// five workflow stages.
type LifecycleStage string

const (
	StageProjectPlanning      LifecycleStage = "project-planning"
	StageProblemFormulation   LifecycleStage = "problem-formulation"
	StageDataExtraction       LifecycleStage = "data-extraction-procurement"
	StageDataAnalysis         LifecycleStage = "data-analysis"
	StagePreprocessing        LifecycleStage = "preprocessing-feature-engineering"
	StageModelSelection       LifecycleStage = "model-selection-training"
	StageModelTesting         LifecycleStage = "model-testing-validation"
	StageModelReporting       LifecycleStage = "model-reporting"
	StageSystemImplementation LifecycleStage = "system-implementation"
	StageUserTraining         LifecycleStage = "user-training"
	StageSystemMonitoring     LifecycleStage = "system-use-monitoring"
	StageModelUpdating        LifecycleStage = "model-updating-deprovisioning"
)

var lifecycleOrder = []LifecycleStage{
	StageProjectPlanning,
	StageProblemFormulation,
	StageDataExtraction,
	StageDataAnalysis,
	StagePreprocessing,
	StageModelSelection,
	StageModelTesting,
	StageModelReporting,
	StageSystemImplementation,
	StageUserTraining,
	StageSystemMonitoring,
	StageModelUpdating,
}

// LifecycleStages returns the ordered list of lifecycle phases.
func LifecycleStages() []LifecycleStage {
	out := make([]LifecycleStage, len(lifecycleOrder))
	copy(out, lifecycleOrder)
	return out
}

func (s LifecycleStage) Valid() bool {
	for _, known := range lifecycleOrder {
		if s == known {
			return true
		}
	}
	return false
}

// ImplementationNote records planning detail for one mitigation at one
// lifecycle stage.
type ImplementationNote struct {
	EffectivenessRating int        `json:"effectivenessRating" minimum:"1" maximum:"5"`
	Status              NoteStatus `json:"status" enum:"planned,in-progress,implemented"`
	FreeText            string     `json:"freeText,omitempty"`
	DueDate             string     `json:"dueDate,omitempty" format:"date"`
	Assignee            string     `json:"assignee,omitempty"`
}

// ItemAssessment is the per-item record accumulated across the five workflow
// stages. Maps are sparse: absence of a key is meaningful, never padded.
type ItemAssessment struct {
	ItemID              string                                           `json:"itemId"`
	DisplayName         string                                           `json:"displayName"`
	RiskCategory        RiskCategory                                     `json:"riskCategory,omitempty"`
	RiskAssignedAt      string                                           `json:"riskAssignedAt,omitempty" format:"date-time"`
	LifecycleStages     []LifecycleStage                                 `json:"lifecycleStages,omitempty"`
	Rationale           map[LifecycleStage]string                        `json:"rationale,omitempty"`
	Mitigations         map[LifecycleStage][]string                      `json:"mitigations,omitempty"`
	ImplementationNotes map[LifecycleStage]map[string]ImplementationNote `json:"implementationNotes,omitempty"`
}

// MappedTo reports whether the item is mapped to the given lifecycle stage.
func (a ItemAssessment) MappedTo(stage LifecycleStage) bool {
	for _, s := range a.LifecycleStages {
		if s == stage {
			return true
		}
	}
	return false
}

// HasMitigation reports whether mitigationID is attached at the given stage.
func (a ItemAssessment) HasMitigation(stage LifecycleStage, mitigationID string) bool {
	for _, id := range a.Mitigations[stage] {
		if id == mitigationID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record.
func (a ItemAssessment) Clone() ItemAssessment {
	out := a
	if a.LifecycleStages != nil {
		out.LifecycleStages = append([]LifecycleStage(nil), a.LifecycleStages...)
	}
	if a.Rationale != nil {
		out.Rationale = make(map[LifecycleStage]string, len(a.Rationale))
		for k, v := range a.Rationale {
			out.Rationale[k] = v
		}
	}
	if a.Mitigations != nil {
		out.Mitigations = make(map[LifecycleStage][]string, len(a.Mitigations))
		for k, v := range a.Mitigations {
			out.Mitigations[k] = append([]string(nil), v...)
		}
	}
	if a.ImplementationNotes != nil {
		out.ImplementationNotes = make(map[LifecycleStage]map[string]ImplementationNote, len(a.ImplementationNotes))
		for stage, notes := range a.ImplementationNotes {
			m := make(map[string]ImplementationNote, len(notes))
			for id, n := range notes {
				m[id] = n
			}
			out.ImplementationNotes[stage] = m
		}
	}
	return out
}

// WorkflowState tracks where the user is in the five-stage process.
type WorkflowState struct {
	CurrentStage    int    `json:"currentStage" minimum:"1" maximum:"5"`
	CompletedStages []int  `json:"completedStages"`
	StartedAt       string `json:"startedAt" format:"date-time"`
	LastModifiedAt  string `json:"lastModifiedAt" format:"date-time"`
}

// Completed reports whether stage has been explicitly advanced past.
func (s WorkflowState) Completed(stage int) bool {
	for _, done := range s.CompletedStages {
		if done == stage {
			return true
		}
	}
	return false
}

// Snapshot is the versioned interchange document for one assessment session.
// It is the sole contract between the engine and export/sync/import
// collaborators; none of them may read workflow internals directly.
type Snapshot struct {
	Version     int                       `json:"version"`
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	DeckID      string                    `json:"deckId"`
	DeckVersion string                    `json:"deckVersion"`
	Items       map[string]ItemAssessment `json:"items"`
	State       WorkflowState             `json:"state"`
	CreatedAt   string                    `json:"createdAt" format:"date-time"`
	UpdatedAt   string                    `json:"updatedAt" format:"date-time"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Items != nil {
		out.Items = make(map[string]ItemAssessment, len(s.Items))
		for id, rec := range s.Items {
			out.Items[id] = rec.Clone()
		}
	}
	if s.State.CompletedStages != nil {
		out.State.CompletedStages = append([]int(nil), s.State.CompletedStages...)
	}
	return out
}

// Event is one audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// SessionInfo is the listing row for a stored assessment session.
type SessionInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DeckID      string `json:"deck_id"`
	DeckVersion string `json:"deck_version"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// APIKey authenticates a server client as an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
