// Package types provides shared type definitions used across mnemo packages.
// This package exists to break import cycles between store, ingest, retrieval,
// and the orchestrator. Types in this package are foundational data structures
// with no complex dependencies.
package types

import (
	"time"
)

// =============================================================================
// CLASSIFICATION ENUMS
// =============================================================================

// Channel controls who may ever see an item on the read path.
type Channel string

const (
	ChannelPrivate Channel = "private"
	ChannelPublic  Channel = "public"
	ChannelTeam    Channel = "team"
	ChannelAgent   Channel = "agent"
)

// Valid reports whether c is a recognized channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelPrivate, ChannelPublic, ChannelTeam, ChannelAgent:
		return true
	}
	return false
}

// Sensitivity grades an item's exposure risk. Secret content text is never
// persisted or returned from read paths.
type Sensitivity string

const (
	SensitivityNone   Sensitivity = "none"
	SensitivityLow    Sensitivity = "low"
	SensitivityHigh   Sensitivity = "high"
	SensitivitySecret Sensitivity = "secret"
)

// Valid reports whether s is a recognized sensitivity grade.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityNone, SensitivityLow, SensitivityHigh, SensitivitySecret:
		return true
	}
	return false
}

// SensitivityAllowed returns the sensitivity grades readable on a channel.
// The table is bit-exact for compatibility:
//
//	public  -> {none, low}
//	private -> {none, low, high}
//	team    -> {none, low, high}
//	agent   -> {none, low}
//
// secret is never in any returned set.
func SensitivityAllowed(c Channel) []Sensitivity {
	switch c {
	case ChannelPrivate, ChannelTeam:
		return []Sensitivity{SensitivityNone, SensitivityLow, SensitivityHigh}
	default:
		return []Sensitivity{SensitivityNone, SensitivityLow}
	}
}

// ActorType identifies who produced an event.
type ActorType string

const (
	ActorHuman ActorType = "human"
	ActorAgent ActorType = "agent"
	ActorTool  ActorType = "tool"
)

// Valid reports whether a is a recognized actor type.
func (a ActorType) Valid() bool {
	switch a {
	case ActorHuman, ActorAgent, ActorTool:
		return true
	}
	return false
}

// Actor is the origin of an event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// EventKind discriminates the content payload of an event.
type EventKind string

const (
	KindMessage    EventKind = "message"
	KindToolCall   EventKind = "tool_call"
	KindToolResult EventKind = "tool_result"
	KindDecision   EventKind = "decision"
	KindTaskUpdate EventKind = "task_update"
	KindArtifact   EventKind = "artifact"
)

// Valid reports whether k is a recognized event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindMessage, KindToolCall, KindToolResult, KindDecision, KindTaskUpdate, KindArtifact:
		return true
	}
	return false
}

// =============================================================================
// GROUND TRUTH ENTITIES
// =============================================================================

// Event is the append-only ground-truth record of one interaction. Once
// written, payload and classification are immutable; deletion happens only
// via a retraction edit (logical) or tenant purge (physical).
type Event struct {
	ID          string       `json:"event_id"`
	TenantID    string       `json:"tenant_id"`
	SessionID   string       `json:"session_id"`
	ProjectID   string       `json:"project_id,omitempty"`
	SubjectType string       `json:"subject_type,omitempty"`
	SubjectID   string       `json:"subject_id,omitempty"`
	Channel     Channel      `json:"channel"`
	Sensitivity Sensitivity  `json:"sensitivity"`
	Tags        []string     `json:"tags,omitempty"`
	Actor       Actor        `json:"actor"`
	Kind        EventKind    `json:"kind"`
	TS          time.Time    `json:"ts"`
	Seq         int64        `json:"seq"` // per-session insert order, tiebreak on equal TS
	Content     EventContent `json:"content"`
	Refs        []string     `json:"refs,omitempty"`
}

// Chunk is a derived, indexed text unit owned by exactly one event. Chunks
// copy their parent's classification at creation time and are recreatable
// from events.
type Chunk struct {
	ID          string      `json:"chunk_id"`
	EventID     string      `json:"event_id"`
	TenantID    string      `json:"tenant_id"`
	SessionID   string      `json:"session_id"`
	ProjectID   string      `json:"project_id,omitempty"`
	SubjectType string      `json:"subject_type,omitempty"`
	SubjectID   string      `json:"subject_id,omitempty"`
	Kind        EventKind   `json:"kind"`
	Text        string      `json:"text"`
	TokenEst    int         `json:"token_est"`
	Importance  float64     `json:"importance"`
	Channel     Channel     `json:"channel"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Tags        []string    `json:"tags,omitempty"`
	TS          time.Time   `json:"ts"`
}

// HasTag reports whether the chunk carries the given tag.
func (c *Chunk) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Artifact holds the full bytes of a tool output whose excerpt was truncated.
type Artifact struct {
	ID        string    `json:"artifact_id"`
	TenantID  string    `json:"tenant_id"`
	EventID   string    `json:"event_id"`
	Tool      string    `json:"tool,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// GOVERNANCE ENTITIES
// =============================================================================

// DecisionStatus is the lifecycle state of a decision record.
type DecisionStatus string

const (
	DecisionActive     DecisionStatus = "active"
	DecisionSuperseded DecisionStatus = "superseded"
	DecisionArchived   DecisionStatus = "archived"
)

// DecisionScope bounds where a decision applies.
type DecisionScope string

const (
	ScopeProject DecisionScope = "project"
	ScopeUser    DecisionScope = "user"
	ScopeGlobal  DecisionScope = "global"
)

// Valid reports whether s is a recognized decision scope.
func (s DecisionScope) Valid() bool {
	switch s {
	case ScopeProject, ScopeUser, ScopeGlobal:
		return true
	}
	return false
}

// Decision is a first-class governance record with rationale and references
// back to the events and chunks that justify it.
type Decision struct {
	ID           string         `json:"decision_id"`
	TenantID     string         `json:"tenant_id"`
	ProjectID    string         `json:"project_id,omitempty"`
	Status       DecisionStatus `json:"status"`
	Scope        DecisionScope  `json:"scope"`
	Decision     string         `json:"decision"`
	Rationale    []string       `json:"rationale,omitempty"`
	Constraints  []string       `json:"constraints,omitempty"`
	Alternatives []string       `json:"alternatives,omitempty"`
	Consequences []string       `json:"consequences,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Refs         []string       `json:"refs,omitempty"`
	SupersededBy string         `json:"superseded_by,omitempty"`
	TS           time.Time      `json:"ts"`
}

// HasTag reports whether the decision carries the given tag.
func (d *Decision) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// CompressionLevel tracks how far a handoff has been consolidated.
type CompressionLevel string

const (
	CompressionFull       CompressionLevel = "full"
	CompressionSummary    CompressionLevel = "summary"
	CompressionQuickRef   CompressionLevel = "quick_ref"
	CompressionIntegrated CompressionLevel = "integrated"
)

// Handoff is a meaning-preserving end-of-session record.
type Handoff struct {
	ID               string           `json:"handoff_id"`
	TenantID         string           `json:"tenant_id"`
	SessionID        string           `json:"session_id,omitempty"`
	Experienced      string           `json:"experienced"`
	Noticed          string           `json:"noticed"`
	Learned          string           `json:"learned"`
	Remember         string           `json:"remember"`
	Story            string           `json:"story,omitempty"`
	Becoming         string           `json:"becoming,omitempty"`
	Significance     float64          `json:"significance"`
	Tags             []string         `json:"tags,omitempty"`
	CompressionLevel CompressionLevel `json:"compression_level"`
	WithWhom         string           `json:"with_whom,omitempty"`
	IntegratedInto   string           `json:"integrated_into,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// KnowledgeNote is a durable insight synthesized across many handoffs.
type KnowledgeNote struct {
	ID             string    `json:"note_id"`
	TenantID       string    `json:"tenant_id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	SourceHandoffs []string  `json:"source_handoffs,omitempty"`
	Confidence     float64   `json:"confidence"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// =============================================================================
// MEMORY EDITS
// =============================================================================

// TargetType identifies what a memory edit applies to.
type TargetType string

const (
	TargetChunk    TargetType = "chunk"
	TargetDecision TargetType = "decision"
)

// Valid reports whether t is a recognized target type.
func (t TargetType) Valid() bool {
	return t == TargetChunk || t == TargetDecision
}

// TargetRef names the item a memory edit applies to.
type TargetRef struct {
	Type TargetType `json:"target_type"`
	ID   string     `json:"target_id"`
}

// EditOp is the overlay operation applied at read time.
type EditOp string

const (
	OpRetract    EditOp = "retract"
	OpAmend      EditOp = "amend"
	OpQuarantine EditOp = "quarantine"
	OpAttenuate  EditOp = "attenuate"
	OpBlock      EditOp = "block"
)

// Valid reports whether op is a recognized edit operation.
func (op EditOp) Valid() bool {
	switch op {
	case OpRetract, OpAmend, OpQuarantine, OpAttenuate, OpBlock:
		return true
	}
	return false
}

// RequiresApproval reports whether the op needs an approver role before it
// takes effect. Retract and block are destructive to visibility and always
// gate on approval.
func (op EditOp) RequiresApproval() bool {
	return op == OpRetract || op == OpBlock
}

// EditStatus is the approval state of a memory edit.
type EditStatus string

const (
	EditPending  EditStatus = "pending"
	EditApproved EditStatus = "approved"
	EditRejected EditStatus = "rejected"
)

// EditPatch carries the op-dependent payload of a memory edit.
type EditPatch struct {
	Text            string   `json:"text,omitempty"`             // amend
	Importance      *float64 `json:"importance,omitempty"`       // amend
	ImportanceDelta float64  `json:"importance_delta,omitempty"` // attenuate
	Channel         Channel  `json:"channel,omitempty"`          // block
}

// MemoryEdit is a governance overlay entry. Approved edits change what reads
// see without mutating ground truth.
type MemoryEdit struct {
	ID         string     `json:"edit_id"`
	TenantID   string     `json:"tenant_id"`
	Target     TargetRef  `json:"target"`
	Op         EditOp     `json:"op"`
	Reason     string     `json:"reason"`
	Patch      *EditPatch `json:"patch,omitempty"`
	Status     EditStatus `json:"status"`
	ProposedBy string     `json:"proposed_by"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
}

// =============================================================================
// CAPSULES
// =============================================================================

// CapsuleStatus is the lifecycle state of a capsule.
type CapsuleStatus string

const (
	CapsuleActive  CapsuleStatus = "active"
	CapsuleExpired CapsuleStatus = "expired"
	CapsuleRevoked CapsuleStatus = "revoked"
)

// CapsuleItems enumerates the manifest of a capsule.
type CapsuleItems struct {
	ChunkIDs    []string `json:"chunk_ids,omitempty" yaml:"chunk_ids"`
	DecisionIDs []string `json:"decision_ids,omitempty" yaml:"decision_ids"`
	ArtifactIDs []string `json:"artifact_ids,omitempty" yaml:"artifact_ids"`
}

// Capsule is a time-bounded, audience-restricted curated memory package.
type Capsule struct {
	ID               string        `json:"capsule_id"`
	TenantID         string        `json:"tenant_id"`
	AuthorAgentID    string        `json:"author_agent_id"`
	SubjectType      string        `json:"subject_type,omitempty"`
	SubjectID        string        `json:"subject_id,omitempty"`
	Scope            string        `json:"scope,omitempty"`
	AudienceAgentIDs []string      `json:"audience_agent_ids"`
	Items            CapsuleItems  `json:"items"`
	Risks            []string      `json:"risks,omitempty"`
	TTLDays          int           `json:"ttl_days"`
	Status           CapsuleStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
}

// AudienceContains reports whether agentID may read the capsule.
func (c *Capsule) AudienceContains(agentID string) bool {
	for _, id := range c.AudienceAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// =============================================================================
// CONSOLIDATION
// =============================================================================

// JobType names a consolidation run.
type JobType string

const (
	JobDaily              JobType = "daily"
	JobWeekly             JobType = "weekly"
	JobMonthly            JobType = "monthly"
	JobHandoffCompression JobType = "handoff_compression"
	JobDecisionArchival   JobType = "decision_archival"
	JobIdentitySynthesis  JobType = "identity_synthesis"
)

// Valid reports whether t is a recognized job type.
func (t JobType) Valid() bool {
	switch t {
	case JobDaily, JobWeekly, JobMonthly, JobHandoffCompression, JobDecisionArchival, JobIdentitySynthesis:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a consolidation job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ConsolidationJob audits one engine run.
type ConsolidationJob struct {
	ID             string     `json:"job_id"`
	Type           JobType    `json:"type"`
	TenantID       string     `json:"tenant_id,omitempty"`
	Status         JobStatus  `json:"status"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsAffected  int        `json:"items_affected"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Reflection is the record of a period synthesis over handoffs.
type Reflection struct {
	ID                string    `json:"reflection_id"`
	TenantID          string    `json:"tenant_id"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	SessionCount      int       `json:"session_count"`
	Summary           string    `json:"summary"`
	KeyInsights       []string  `json:"key_insights,omitempty"`
	Themes            []string  `json:"themes,omitempty"`
	IdentityEvolution string    `json:"identity_evolution,omitempty"`
	SourceHandoffs    []string  `json:"source_handoffs,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditEvent is one append-only security/access record.
type AuditEvent struct {
	TS           time.Time `json:"ts"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id,omitempty"`
	EventType    string    `json:"event_type"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Action       string    `json:"action"`
	Outcome      string    `json:"outcome"`
	Details      string    `json:"details,omitempty"`
}
