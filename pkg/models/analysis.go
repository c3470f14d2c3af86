package models

// Complexity is the Analyzer's rough sizing of the plan it produced.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "med"
	ComplexityHigh   Complexity = "high"
)

// StepPriority orders ExecutionStep urgency independent of dependency order.
type StepPriority string

const (
	PriorityCritical StepPriority = "critical"
	PriorityHigh     StepPriority = "high"
	PriorityMedium   StepPriority = "med"
	PriorityLow      StepPriority = "low"
)

// ExecutionStep is one node of the plan's dependency DAG. Dependencies
// reference earlier StepNumbers only; a cycle is a validation error that
// triggers the Analyzer's fallback analysis.
type ExecutionStep struct {
	StepNumber     int          `json:"step_number"`
	Description    string       `json:"description"`
	RequiredData   []string     `json:"required_data,omitempty"`
	AppName        string       `json:"app_name,omitempty"`
	ToolCategory   string       `json:"tool_category,omitempty"`
	Dependencies   []int        `json:"dependencies,omitempty"`
	Priority       StepPriority `json:"priority,omitempty"`
}

// ToolPriority ranks a named tool for router consideration; Priority is
// bounded to [1,10] and defaults to 5 when unspecified by the analysis.
type ToolPriority struct {
	ToolName string `json:"tool_name"`
	Priority int    `json:"priority"`
}

// KeyEntity is a fact the Analyzer extracted from the conversation, with a
// confidence in [0,1].
type KeyEntity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// SummaryState is the Conversation's position in the information-gathering
// to execution lifecycle.
type SummaryState string

const (
	StateInformationGathering SummaryState = "information_gathering"
	StateReadyToExecute       SummaryState = "ready_to_execute"
	StateExecuted             SummaryState = "executed"
	StateClarificationNeeded  SummaryState = "clarification_needed"
	StateCompleted            SummaryState = "completed"
)

// ContextualDetails tracks what has been gathered about the user's request
// versus what is still missing.
type ContextualDetails struct {
	Gathered        []string `json:"gathered,omitempty"`
	Missing         []string `json:"missing,omitempty"`
	Preferences     []string `json:"preferences,omitempty"`
	PreviousActions []string `json:"previous_actions,omitempty"`
}

// ConversationSummary is the rolling, session-scoped digest of where a
// conversation stands. It is overwritten in full each turn (single slot,
// last-write-wins); there is no history of prior summaries.
type ConversationSummary struct {
	CurrentIntent      string             `json:"current_intent"`
	ContextualDetails  ContextualDetails  `json:"contextual_details"`
	State              SummaryState       `json:"state"`
	KeyEntities        []KeyEntity        `json:"key_entities,omitempty"`
	NextExpectedAction string             `json:"next_expected_action,omitempty"`
	TopicShifts        []string           `json:"topic_shifts,omitempty"`
}

// ComprehensiveAnalysis is the structured-output record produced once per
// turn by the analysis model (§3, §4.2). It is a closed tagged record:
// callers must not treat it as an untyped map.
type ComprehensiveAnalysis struct {
	QueryAnalysis               string              `json:"query_analysis"`
	IsQueryClear                bool                `json:"is_query_clear"`
	ConfidenceScore              float64             `json:"confidence_score"`
	RequiresToolExecution        bool                `json:"requires_tool_execution"`
	ExecutionSteps               []ExecutionStep     `json:"execution_steps,omitempty"`
	EstimatedComplexity          Complexity          `json:"estimated_complexity,omitempty"`
	RequiresSequentialExecution  bool                `json:"requires_sequential_execution"`
	NeedsInfoGathering           bool                `json:"needs_info_gathering"`
	MissingInformation           []string            `json:"missing_information,omitempty"`
	SearchQueries                []string            `json:"search_queries,omitempty"`
	ClarificationNeeded          []string            `json:"clarification_needed,omitempty"`
	CanProceedWithDefaults       bool                `json:"can_proceed_with_defaults"`
	ConversationSummary          ConversationSummary `json:"conversation_summary"`
	RecommendedApps              []string            `json:"recommended_apps,omitempty"`
	ToolPriorities               []ToolPriority      `json:"tool_priorities,omitempty"`
}

// Valid reports whether the analysis satisfies the invariants schema
// validation must enforce before the analysis is used (§8, invariant 2).
func (a *ComprehensiveAnalysis) Valid() bool {
	if a == nil {
		return false
	}
	if a.ConfidenceScore < 0 || a.ConfidenceScore > 1 {
		return false
	}
	seen := make(map[int]bool, len(a.ExecutionSteps))
	for _, s := range a.ExecutionSteps {
		seen[s.StepNumber] = true
	}
	for _, s := range a.ExecutionSteps {
		for _, dep := range s.Dependencies {
			if dep >= s.StepNumber || !seen[dep] {
				return false
			}
		}
	}
	return true
}

// FallbackAnalysis returns the deterministic degraded analysis the Analyzer
// returns on any failure (§4.2). It must never be cached.
func FallbackAnalysis() ComprehensiveAnalysis {
	return ComprehensiveAnalysis{
		QueryAnalysis:         "analysis unavailable, proceeding conversationally",
		IsQueryClear:          false,
		ConfidenceScore:       0.1,
		RequiresToolExecution: false,
		ExecutionSteps: []ExecutionStep{
			{StepNumber: 1, Description: "respond conversationally", Priority: PriorityLow},
		},
		ConversationSummary: ConversationSummary{
			State: StateInformationGathering,
		},
	}
}
