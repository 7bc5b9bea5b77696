package budget

import "llm_gateway/models"

// Prepared is a payload ready to be sent to a backend along with the
// bookkeeping needed for logging.
type Prepared struct {
	Messages     []models.Message
	HistoryTurns int
	KeptTurns    int
	PromptTokens int
	// Overflow is set when the prompt alone does not fit the budget. History is
	// dropped entirely in that case and the request is still sent.
	Overflow bool
}

// Prepare truncates history against a backend context window and builds the
// payload. The system message and the prompt's role overhead are charged
// against the window before truncation, so Cost(Messages)+reserved never
// exceeds contextTokens unless Overflow is set.
func Prepare(est Estimator, system string, history []models.Turn, prompt string, contextTokens, reserved int) Prepared {
	fixed := MessageCost(est, system) + RoleOverhead
	kept := Truncate(est, history, prompt, contextTokens-fixed, reserved)
	promptTokens := est.Estimate(prompt)

	return Prepared{
		Messages:     Build(prompt, kept, system),
		HistoryTurns: len(history),
		KeptTurns:    len(kept),
		PromptTokens: promptTokens,
		Overflow:     fixed+promptTokens+reserved > contextTokens,
	}
}
