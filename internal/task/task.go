// Package task defines the core data model: the user-facing Task, the
// replayable NavStep/DetailVisit records gathered during exploration, and
// the CommonFieldXPath/CollectionConfig/CollectionProgress artifacts that
// carry state between the explore and collect stages.
package task

import "time"

// DataType enumerates the field value kinds a FieldDefinition can declare.
type DataType string

const (
	DataTypeText   DataType = "text"
	DataTypeNumber DataType = "number"
	DataTypeDate   DataType = "date"
	DataTypeURL    DataType = "url"
)

// FieldDefinition describes one field the operator wants extracted from
// each detail page.
type FieldDefinition struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	DataType    DataType `json:"data_type"`
	Example     string   `json:"example,omitempty"`
}

// Task is the immutable, user-facing unit of work.
type Task struct {
	ListURL         string            `json:"list_url"`
	TaskDescription string            `json:"task_description"`
	Fields          []FieldDefinition `json:"fields"`
}

// RequiredFields returns the subset of Fields marked required, preserving
// order.
func (t Task) RequiredFields() []FieldDefinition {
	out := make([]FieldDefinition, 0, len(t.Fields))
	for _, f := range t.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// ActionKind tags the variant carried by an Action.
type ActionKind string

const (
	ActionClick      ActionKind = "click"
	ActionType       ActionKind = "type"
	ActionPress      ActionKind = "press"
	ActionScroll     ActionKind = "scroll"
	ActionNavigate   ActionKind = "navigate"
	ActionWait       ActionKind = "wait"
	ActionExtract    ActionKind = "extract"
	ActionGoBack     ActionKind = "go_back"
	ActionGoBackTab  ActionKind = "go_back_tab"
	ActionDone       ActionKind = "done"
	ActionRetry      ActionKind = "retry"
)

// Action is the sum type an LLM decision or a replayed NavStep carries.
// Only the fields relevant to Kind are populated; callers switch on Kind.
type Action struct {
	Kind ActionKind `json:"action"`

	MarkID     int    `json:"mark_id,omitempty"`
	TargetText string `json:"target_text,omitempty"`
	Text       string `json:"text,omitempty"`
	ConfirmKey string `json:"confirm_key,omitempty"`
	Direction  string `json:"direction,omitempty"`
	Distance   int    `json:"distance,omitempty"`
	URL        string `json:"url,omitempty"`
	TimeoutMs  int    `json:"timeout_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// NavStep is a replay record of one successful navigation action.
type NavStep struct {
	Action          Action           `json:"action"`
	ClickedText     string           `json:"clicked_text"`
	XPathCandidates []XPathCandidate `json:"xpath_candidates"`
	ResultURL       string           `json:"result_url"`
	Success         bool             `json:"success"`
}

// XPathCandidate is one ranked xpath strategy for resolving an element.
type XPathCandidate struct {
	XPath      string  `json:"xpath"`
	Priority   int     `json:"priority"`
	Strategy   string  `json:"strategy"`
	Confidence float64 `json:"confidence"`
}

// Strategy priority order, lowest number = most stable. Mirrors the
// ordering ElementMark.XPathCandidates is expected to follow.
const (
	StrategyID              = "id"
	StrategyTestID          = "testid"
	StrategyIDRelative      = "id-relative"
	StrategyIDClassRelative = "id-class-relative"
	StrategyClassAnchor     = "class-anchor"
	StrategyDataAttr        = "data-attr"
	StrategyAbsolute        = "absolute"
)

// StrategyPriority returns the spec's fixed stability order for a given
// strategy name, used both for ranking candidates on a mark and for the
// synthesizer's per-strategy merge cascade. Unknown strategies sort last.
func StrategyPriority(strategy string) int {
	order := []string{
		StrategyID, StrategyTestID, StrategyIDClassRelative, StrategyClassAnchor,
		StrategyIDRelative, StrategyDataAttr, StrategyAbsolute,
	}
	for i, s := range order {
		if s == strategy {
			return i
		}
	}
	return len(order)
}

// DetailVisit records one successful exploration visit to a detail page.
type DetailVisit struct {
	ListPageURL   string    `json:"list_page_url"`
	DetailPageURL string    `json:"detail_page_url"`
	ClickedText   string    `json:"clicked_text"`
	ClickedMarkID int       `json:"clicked_mark_id"`
	StepIndex     int       `json:"step_index"`
	Timestamp     time.Time `json:"timestamp"`
}

// CommonFieldXPath is the synthesized xpath template for one field.
type CommonFieldXPath struct {
	FieldName    string   `json:"field_name"`
	XPathPattern string   `json:"xpath_pattern"`
	SourceXPaths []string `json:"source_xpaths"`
	Confidence   float64  `json:"confidence"`
	Validated    bool     `json:"validated"`
	Required     bool     `json:"required"`
}

// JumpWidget is the (input, button) xpath pair used by the resume
// coordinator's widget-jump strategy.
type JumpWidget struct {
	InputXPath  string `json:"input_xpath"`
	ButtonXPath string `json:"button_xpath"`
}

// CollectionConfig is the exploration artifact handed from Explorer to
// Collector, and persisted so a later run can resume without re-exploring.
type CollectionConfig struct {
	NavSteps          []NavStep           `json:"nav_steps"`
	CommonDetailXPath string              `json:"common_detail_xpath"`
	PaginationXPath   string              `json:"pagination_xpath"`
	JumpWidgetXPath   *JumpWidget         `json:"jump_widget_xpath,omitempty"`
	ListURL           string              `json:"list_url"`
	TaskDescription   string              `json:"task_description"`
	FieldXPaths       []CommonFieldXPath  `json:"field_xpaths,omitempty"`
}

// ProgressStatus enumerates CollectionProgress.Status.
type ProgressStatus string

const (
	StatusRunning   ProgressStatus = "RUNNING"
	StatusPaused    ProgressStatus = "PAUSED"
	StatusCompleted ProgressStatus = "COMPLETED"
	StatusFailed    ProgressStatus = "FAILED"
)

// CollectionProgress is the per-page checkpoint written atomically to disk.
type CollectionProgress struct {
	Status                  ProgressStatus `json:"status"`
	ListURL                 string         `json:"list_url"`
	TaskDescription         string         `json:"task_description"`
	CurrentPageNum          int            `json:"current_page_num"`
	CollectedCount          int            `json:"collected_count"`
	BackoffLevel            int            `json:"backoff_level"`
	ConsecutiveSuccessPages int            `json:"consecutive_success_pages"`
	LastUpdated             time.Time      `json:"last_updated"`
}

// Compatible reports whether this progress file can be resumed against the
// given list URL and task description, per spec §3's "for compatibility
// checking on resume" note.
func (p CollectionProgress) Compatible(listURL, taskDescription string) bool {
	return p.ListURL == listURL && p.TaskDescription == taskDescription
}

// FieldValue is one extracted value plus its provenance.
type FieldValue struct {
	FieldName  string  `json:"field_name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// ExtractionResult is the page-level record an Extractor produces for one
// WorkItem URL.
type ExtractionResult struct {
	URL     string       `json:"url"`
	Fields  []FieldValue `json:"fields"`
	Success bool         `json:"success"`
}

// WorkItem is one content-addressed unit of work on the reliable work
// queue. ID is sha256(URL)[:16], so pushing the same URL twice is a no-op
// rather than a duplicate enqueue.
type WorkItem struct {
	ID         string         `json:"id"`
	URL        string         `json:"url"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RetryCount int            `json:"retry_count"`
	LastError  string         `json:"last_error,omitempty"`
}
