package advisors

import (
	"fmt"
	"strings"

	"github.com/counsel-ai/counsel/internal/models"
)

const predefinedPromptTemplate = `You are %s. %s
Respond from this established persona:
%s

Response guidelines:
- Consider the conversation history to provide continuity in your guidance
- Offer practical wisdom that can be applied to the user's situation
- Respond in 1-2 paragraphs with depth and insight
- Answer in the same language as the user's message
- Return only your guidance as plain text

Conversation context:
%s

User question: %s`

const synthesizedPromptTemplate = `You are %s. %s
Provide practical guidance and insights from this perspective, considering
any previous conversation context for continuity.

Response guidelines:
- Respond from the perspective and expertise of %s
- Respond in 1-2 paragraphs with depth and insight
- Answer in the same language as the user's message
- Return only your guidance as plain text

Conversation context:
%s

User question: %s`

// FormatHistory renders the last n turns for inclusion in a prompt.
func FormatHistory(history []models.Turn, n int) string {
	if len(history) == 0 {
		return "No previous conversation context."
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	lines := make([]string, 0, len(history))
	for _, t := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(t.Role), t.Content))
	}
	return strings.Join(lines, "\n")
}

// DefaultHistoryWindow is how many recent turns an advisor prompt carries.
const DefaultHistoryWindow = 3

// PersonaPrompt renders the full prompt for one advisor task. window bounds
// the conversation context; zero or less selects DefaultHistoryWindow.
func (r *Registry) PersonaPrompt(spec models.TaskSpec, query string, history []models.Turn, window int) string {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	chatContext := FormatHistory(history, window)
	if spec.Origin == models.OriginPredefined {
		if p, ok := r.byKey[spec.Key]; ok {
			return fmt.Sprintf(predefinedPromptTemplate,
				p.DisplayName, p.Description, p.Persona, chatContext, query)
		}
	}
	return fmt.Sprintf(synthesizedPromptTemplate,
		spec.DisplayName, spec.Description, spec.DisplayName, chatContext, query)
}
