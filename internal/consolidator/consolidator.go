// Package consolidator merges per-task results into the final response text.
// The current strategy is a labeled concatenation; the contract (task map in,
// single string out) permits swapping in an LLM-driven synthesis later.
package consolidator

import (
	"strings"

	"github.com/counsel-ai/counsel/internal/models"
)

// Consolidate renders each task's answer under a section labeled with the
// task's display name, in resolver order. Entries under the executor's
// reserved error key are dropped.
func Consolidate(specs []models.TaskSpec, results map[string]models.TaskResult) string {
	sections := make([]string, 0, len(specs))
	for _, spec := range specs {
		res, ok := results[spec.TaskID]
		if !ok {
			continue
		}
		label := strings.ToUpper(spec.DisplayName)
		sections = append(sections, "=== "+label+" ===\n"+res.Answer)
	}
	return strings.Join(sections, "\n\n")
}
