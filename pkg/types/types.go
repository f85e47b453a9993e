package types

import (
	"time"
)

// TaskKind identifies the kind of long-running work a task performs
type TaskKind string

const (
	TaskKindDownload      TaskKind = "download"
	TaskKindTranscription TaskKind = "transcription"
	TaskKindConversion    TaskKind = "conversion"
	TaskKindUpload        TaskKind = "upload"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true for states a task never leaves
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive returns true while the task is still doing work
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusRunning || s == TaskStatusPaused
}

// StageProgress tracks one named sub-phase of a task
type StageProgress struct {
	Name           string     `json:"name"`
	Percentage     float64    `json:"percentage"`
	BytesProcessed int64      `json:"bytes_processed"`
	TotalBytes     int64      `json:"total_bytes"` // 0 means unknown
	Rate           float64    `json:"rate"`        // bytes/sec, moving average
	ETASeconds     *float64   `json:"eta_seconds,omitempty"`
	Message        string     `json:"message,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// AggregateProgress is the weighted roll-up of a task's stages
type AggregateProgress struct {
	CurrentStage string                    `json:"current_stage"`
	StageOrder   []string                  `json:"stage_order"`
	Stages       map[string]*StageProgress `json:"stages"`
	Weights      map[string]float64        `json:"weights"`
	Percentage   float64                   `json:"percentage"`
	AverageRate  float64                   `json:"average_rate"`
	PeakRate     float64                   `json:"peak_rate"`
	ETASeconds   *float64                  `json:"eta_seconds,omitempty"`
}

// Clone creates a deep copy safe to hand to subscribers
func (p *AggregateProgress) Clone() *AggregateProgress {
	if p == nil {
		return nil
	}
	clone := *p
	clone.StageOrder = append([]string(nil), p.StageOrder...)
	clone.Stages = make(map[string]*StageProgress, len(p.Stages))
	for name, sp := range p.Stages {
		cp := *sp
		clone.Stages[name] = &cp
	}
	clone.Weights = make(map[string]float64, len(p.Weights))
	for name, w := range p.Weights {
		clone.Weights[name] = w
	}
	return &clone
}

// Task is one long-running unit of work with ordered stages
type Task struct {
	ID          string             `json:"id"`
	Kind        TaskKind           `json:"kind"`
	Status      TaskStatus         `json:"status"`
	Progress    *AggregateProgress `json:"progress"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	EventsCount int64              `json:"events_count"`
}

// EventType identifies the type of a timeline event
type EventType string

const (
	EventTaskCreated    EventType = "task_created"
	EventStageStarted   EventType = "stage_started"
	EventStageProgress  EventType = "stage_progress"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed    EventType = "stage_failed"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskFailed     EventType = "task_failed"
	EventTaskCancelled  EventType = "task_cancelled"
	EventTaskPaused     EventType = "task_paused"
	EventTaskResumed    EventType = "task_resumed"
)

// TaskEvent is one entry in a task's append-only timeline. Published copies
// additionally carry a full aggregate snapshot for subscribers.
type TaskEvent struct {
	TaskID    string             `json:"task_id"`
	Kind      TaskKind           `json:"kind"`
	Type      EventType          `json:"type"`
	Stage     string             `json:"stage,omitempty"`
	Message   string             `json:"message,omitempty"`
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	Progress  *AggregateProgress `json:"progress,omitempty"`
}

// MetricType categorizes a metric series
type MetricType string

const (
	MetricTypeLatency       MetricType = "latency"
	MetricTypeThroughput    MetricType = "throughput"
	MetricTypeErrorRate     MetricType = "error_rate"
	MetricTypeConnCount     MetricType = "connection_count"
	MetricTypeStageDuration MetricType = "stage_duration"
	MetricTypeSpeed         MetricType = "speed"
	MetricTypeResourceUsage MetricType = "resource_usage"
)

// MetricPoint is one sample in a metric series
type MetricPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Severity orders alert urgency from low to critical
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Bump returns the next severity step up, capped at critical
func (s Severity) Bump() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Operator is a comparison applied between a metric value and a threshold
type Operator string

const (
	OpGreaterThan  Operator = ">"
	OpLessThan     Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Compare applies the operator with value on the left-hand side
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpLessThan:
		return value < threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	}
	return false
}

// EscalationPolicy controls how an unacknowledged alert gains urgency
type EscalationPolicy struct {
	AfterMinutes  int      `json:"after_minutes"`
	BumpSeverity  bool     `json:"bump_severity"`
	ExtraChannels []string `json:"extra_channels,omitempty"`
}

// AlertRule is a declarative predicate over a metric
type AlertRule struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Category           string            `json:"category,omitempty"`
	Metric             string            `json:"metric"`
	Operator           Operator          `json:"operator"`
	Threshold          float64           `json:"threshold"`
	Severity           Severity          `json:"severity"`
	WindowMinutes      int               `json:"window_minutes"`
	MinOccurrences     int               `json:"min_occurrences"`
	Enabled            bool              `json:"enabled"`
	Channels           []string          `json:"channels,omitempty"`
	SuppressionMinutes int               `json:"suppression_minutes,omitempty"`
	Escalation         *EscalationPolicy `json:"escalation,omitempty"`
	LastTriggeredAt    *time.Time        `json:"last_triggered_at,omitempty"`
}

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusSuppressed   AlertStatus = "suppressed"
)

// Alert is one firing instance of a rule
type Alert struct {
	ID              string            `json:"id"`
	RuleID          string            `json:"rule_id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Severity        Severity          `json:"severity"`
	Status          AlertStatus       `json:"status"`
	Metric          string            `json:"metric"`
	Value           float64           `json:"value"`
	Threshold       float64           `json:"threshold"`
	FirstOccurrence time.Time         `json:"first_occurrence"`
	LastOccurrence  time.Time         `json:"last_occurrence"`
	Occurrences     int               `json:"occurrences"`
	AcknowledgedBy  string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	Escalated       bool              `json:"escalated"`
	EscalatedAt     *time.Time        `json:"escalated_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// OptimizationCondition tags which store symptom an optimization rule watches
type OptimizationCondition string

const (
	CondMemoryHigh        OptimizationCondition = "memory_high"
	CondHitRateLow        OptimizationCondition = "hit_rate_low"
	CondLatencyHigh       OptimizationCondition = "latency_high"
	CondConnectionsHigh   OptimizationCondition = "connections_high"
	CondFragmentationHigh OptimizationCondition = "fragmentation_high"
	CondEvictionRateHigh  OptimizationCondition = "eviction_rate_high"
)

// OptimizationActionKind enumerates corrective commands the optimizer issues
type OptimizationActionKind string

const (
	ActionAdjustMaxmemoryPolicy OptimizationActionKind = "adjust_maxmemory_policy"
	ActionAdjustTimeout         OptimizationActionKind = "adjust_timeout"
	ActionAdjustMaxClients      OptimizationActionKind = "adjust_max_clients"
	ActionMemoryCleanup         OptimizationActionKind = "memory_cleanup"
	ActionAdjustSavePolicy      OptimizationActionKind = "adjust_save_policy"
	ActionEnableCompression     OptimizationActionKind = "enable_compression"
)

// PerformanceSnapshot captures key store metrics at one instant
type PerformanceSnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	MemoryUsedPercent  float64   `json:"memory_used_percent"`
	HitRate            float64   `json:"hit_rate"`
	AvgLatencyMs       float64   `json:"avg_latency_ms"`
	ConnectedClients   int64     `json:"connected_clients"`
	OpsPerSec          float64   `json:"ops_per_sec"`
	EvictedKeys        int64     `json:"evicted_keys"`
	FragmentationRatio float64   `json:"fragmentation_ratio"`
}

// OptimizationRule pairs a condition with a corrective action
type OptimizationRule struct {
	ID              string                 `json:"id"`
	Condition       OptimizationCondition  `json:"condition"`
	Threshold       float64                `json:"threshold"`
	Action          OptimizationActionKind `json:"action"`
	Parameters      map[string]string      `json:"parameters,omitempty"`
	CooldownMinutes int                    `json:"cooldown_minutes"`
	Enabled         bool                   `json:"enabled"`
	LastAppliedAt   *time.Time             `json:"last_applied_at,omitempty"`
}

// OptimizationAction records one optimizer decision and its measured impact
type OptimizationAction struct {
	ID          string                 `json:"id"`
	RuleID      string                 `json:"rule_id"`
	Kind        OptimizationActionKind `json:"kind"`
	Parameters  map[string]string      `json:"parameters,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Before      *PerformanceSnapshot   `json:"before,omitempty"`
	After       *PerformanceSnapshot   `json:"after,omitempty"`
	ImpactScore float64                `json:"impact_score"`
	RolledBack  bool                   `json:"rolled_back"`
}
