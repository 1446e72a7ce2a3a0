package models

import "time"

// TaskOrigin distinguishes how a task spec was produced.
type TaskOrigin string

const (
	// OriginPredefined marks a task backed by a registered advisor profile.
	OriginPredefined TaskOrigin = "predefined"
	// OriginSynthesized marks a task whose persona was invented by the resolver.
	OriginSynthesized TaskOrigin = "synthesized"
)

// TaskSpec describes one advisor task to run. Predefined specs carry the
// registry key; synthesized specs carry only the generated name/description.
type TaskSpec struct {
	Origin      TaskOrigin `json:"origin"`
	Key         string     `json:"key,omitempty"`
	TaskID      string     `json:"task_id"`
	DisplayName string     `json:"display_name"`
	Description string     `json:"description"`
}

// TaskResult is the outcome of one advisor task. Failed tasks still yield a
// result carrying the error text, never an error value.
type TaskResult struct {
	Answer  string `json:"answer"`
	Summary string `json:"summary"`
	Failed  bool   `json:"failed"`
}

// Roles used in conversation turns.
const (
	RoleHuman     = "human"
	RoleAssistant = "ai"
)

// Turn is one entry of conversation history.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// OrchestrationState is owned by the graph driver for the lifetime of a
// single request. It is never shared across requests or persisted.
type OrchestrationState struct {
	UserQuery     string
	CleanedQuery  string
	ChatHistory   []Turn
	TaskSpecs     []TaskSpec
	TaskResults   map[string]TaskResult
	ResolverMeta  map[string]string
	FinalResponse string
}

// EffectiveQuery returns the sanitized query when the cleaner branch
// produced one, otherwise the raw user query.
func (s *OrchestrationState) EffectiveQuery() string {
	if s.CleanedQuery != "" {
		return s.CleanedQuery
	}
	return s.UserQuery
}
