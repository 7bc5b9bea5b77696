package budget

import "llm_gateway/models"

// RoleOverhead is the fixed cost added per message for role tagging
const RoleOverhead = 3

// MessageCost is the budgeted cost of one serialized message
func MessageCost(est Estimator, text string) int {
	return est.Estimate(text) + RoleOverhead
}

// Truncate returns the longest suffix of history that fits into maxTotal once
// the prompt and the reserved response tokens are accounted for. Turns are never
// split; the first turn (walking from the newest) that does not fit ends the
// selection. The result is a new slice in chronological order.
func Truncate(est Estimator, history []models.Turn, prompt string, maxTotal, reserved int) []models.Turn {
	available := maxTotal - reserved - est.Estimate(prompt)
	if available <= 0 || len(history) == 0 {
		return []models.Turn{}
	}

	start := len(history)
	total := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := MessageCost(est, history[i].Text)
		if total+cost > available {
			break
		}
		total += cost
		start = i
	}

	kept := make([]models.Turn, len(history)-start)
	copy(kept, history[start:])
	return kept
}
