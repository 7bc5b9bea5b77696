package budget

import (
	"strings"

	"llm_gateway/models"
)

// Build assembles the backend payload: the system instruction, the kept
// history in order, then the pending prompt as the final user message.
func Build(prompt string, history []models.Turn, system string) []models.Message {
	messages := make([]models.Message, 0, len(history)+2)
	messages = append(messages, models.Message{Role: string(models.RoleSystem), Content: system})

	for _, turn := range history {
		role := models.RoleAssistant
		if turn.Role == models.RoleUser {
			role = models.RoleUser
		}
		messages = append(messages, models.Message{Role: string(role), Content: turn.Text})
	}

	messages = append(messages, models.Message{Role: string(models.RoleUser), Content: prompt})
	return messages
}

// SystemPrompt joins the base instruction with an optional backend directive
func SystemPrompt(base, suffix string) string {
	if suffix == "" {
		return base
	}
	if base == "" {
		return strings.TrimSpace(suffix)
	}
	return base + suffix
}

// Cost sums the budgeted cost of a prepared payload
func Cost(est Estimator, messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += MessageCost(est, msg.Content)
	}
	return total
}
