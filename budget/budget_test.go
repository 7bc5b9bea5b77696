package budget

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_gateway/models"
)

// wordEstimator charges one token per whitespace-separated word
var wordEstimator = EstimatorFunc(func(text string) int {
	return len(strings.Fields(text))
})

func words(n int, word string) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}

func turns(n int, tokens int) []models.Turn {
	history := make([]models.Turn, n)
	for i := range history {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		history[i] = models.Turn{Role: role, Text: words(tokens, string(rune('a'+i)))}
	}
	return history
}

func randomHistory(rng *rand.Rand) []models.Turn {
	n := rng.Intn(30)
	history := make([]models.Turn, n)
	for i := range history {
		role := models.RoleUser
		if rng.Intn(2) == 0 {
			role = models.RoleAssistant
		}
		history[i] = models.Turn{Role: role, Text: strings.Repeat("x", rng.Intn(400))}
	}
	return history
}

func TestCharEstimator(t *testing.T) {
	est := CharEstimator{}
	assert.Equal(t, 1, est.Estimate(""))
	assert.Equal(t, 1, est.Estimate("abc"))
	assert.Equal(t, 1, est.Estimate("abcd"))
	assert.Equal(t, 2, est.Estimate("abcde"))
	assert.Equal(t, 2, est.Estimate("привет"), "counts characters, not bytes")
}

func TestTiktokenEstimator(t *testing.T) {
	est := NewTiktokenEstimator("")
	require.True(t, est.Exact())

	assert.Equal(t, 2, est.Estimate("hello world"))
	assert.Equal(t, est.Estimate("The quick brown fox"), est.Estimate("The quick brown fox"))
	assert.Greater(t, est.Estimate(strings.Repeat("token ", 100)), est.Estimate("token"))
}

func TestTiktokenEstimatorFallsBackToChars(t *testing.T) {
	est := NewTiktokenEstimator("no_such_encoding")
	assert.False(t, est.Exact())

	var chars CharEstimator
	for _, text := range []string{"", "a", "abcdefgh", "héllo wörld", strings.Repeat("x", 1001)} {
		got := est.Estimate(text)
		assert.GreaterOrEqual(t, got, 0)
		assert.Equal(t, chars.Estimate(text), got, text)
		assert.Equal(t, got, est.Estimate(text), text)
	}
}

func TestEstimatorMonotonicForRepeatedContent(t *testing.T) {
	est := CharEstimator{}
	prev := 0
	for i := 0; i < 50; i++ {
		cost := est.Estimate(strings.Repeat("token ", i))
		assert.GreaterOrEqual(t, cost, prev)
		prev = cost
	}
}

func TestTruncateScenario(t *testing.T) {
	history := turns(5, 50)
	prompt := words(10, "q")

	kept := Truncate(wordEstimator, history, prompt, 200, 50)

	require.Len(t, kept, 2)
	assert.Equal(t, history[3:], kept)
}

func TestTruncateEmptyHistory(t *testing.T) {
	kept := Truncate(wordEstimator, nil, "hello", 200, 50)
	assert.NotNil(t, kept)
	assert.Empty(t, kept)
}

func TestTruncateNoBudget(t *testing.T) {
	history := turns(3, 1)

	tests := []struct {
		name     string
		maxTotal int
		reserved int
	}{
		{"reserved equals total", 100, 100},
		{"reserved exceeds total", 100, 200},
		{"prompt fills remaining budget", 60, 50},
		{"zero total", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept := Truncate(wordEstimator, history, words(10, "q"), tt.maxTotal, tt.reserved)
			assert.Empty(t, kept)
		})
	}
}

func TestTruncateLongRecentTurnEvictsOlder(t *testing.T) {
	history := []models.Turn{
		{Role: models.RoleUser, Text: "short"},
		{Role: models.RoleAssistant, Text: "short"},
		{Role: models.RoleUser, Text: words(95, "long")},
	}

	kept := Truncate(wordEstimator, history, "q", 100, 0)

	require.Len(t, kept, 1)
	assert.Equal(t, history[2], kept[0])
}

func TestTruncateStopsAtFirstOversizedTurn(t *testing.T) {
	// the newest turn alone exceeds the budget, so nothing older is considered
	history := []models.Turn{
		{Role: models.RoleUser, Text: "short"},
		{Role: models.RoleAssistant, Text: words(500, "long")},
	}

	kept := Truncate(wordEstimator, history, "q", 100, 0)
	assert.Empty(t, kept)
}

func TestTruncateDoesNotMutateInput(t *testing.T) {
	history := turns(5, 50)
	snapshot := append([]models.Turn(nil), history...)

	kept := Truncate(wordEstimator, history, "q", 200, 50)
	require.NotEmpty(t, kept)
	kept[0].Text = "changed"

	assert.Equal(t, snapshot, history)
}

func TestTruncateIsContiguousSuffix(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	est := CharEstimator{}

	for i := 0; i < 500; i++ {
		history := randomHistory(rng)
		maxTotal := rng.Intn(2000)
		reserved := rng.Intn(500)

		kept := Truncate(est, history, "prompt", maxTotal, reserved)

		require.LessOrEqual(t, len(kept), len(history))
		assert.Equal(t, history[len(history)-len(kept):], kept)
	}
}

func TestTruncateMonotonicInBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	est := CharEstimator{}

	for i := 0; i < 200; i++ {
		history := randomHistory(rng)
		reserved := rng.Intn(200)
		prev := -1
		for total := 0; total <= 3000; total += 150 {
			kept := Truncate(est, history, "prompt", total, reserved)
			assert.GreaterOrEqual(t, len(kept), prev)
			prev = len(kept)
		}
	}
}

func TestBuild(t *testing.T) {
	history := []models.Turn{
		{Role: models.RoleUser, Text: "hi"},
		{Role: models.RoleAssistant, Text: "hello"},
	}

	messages := Build("how are you?", history, "be brief")

	assert.Equal(t, []models.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "how are you?"},
	}, messages)
}

func TestBuildIsPure(t *testing.T) {
	history := turns(4, 3)
	first := Build("prompt", history, "system")
	second := Build("prompt", history, "system")

	assert.Equal(t, first, second)
	assert.Equal(t, "system", first[0].Role)
	assert.Len(t, Build("prompt", nil, "system"), 2)
}

func TestSystemPrompt(t *testing.T) {
	assert.Equal(t, "base", SystemPrompt("base", ""))
	assert.Equal(t, "base /no_think", SystemPrompt("base", " /no_think"))
	assert.Equal(t, "/no_think", SystemPrompt("", " /no_think"))
}

func TestPrepareBudgetInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	est := CharEstimator{}
	system := "You are a polite and precise assistant."

	for i := 0; i < 500; i++ {
		history := randomHistory(rng)
		context := 64 + rng.Intn(4096)
		reserved := 1 + rng.Intn(context-1)
		prompt := strings.Repeat("p", rng.Intn(200))

		prepared := Prepare(est, system, history, prompt, context, reserved)

		if prepared.Overflow {
			assert.Zero(t, prepared.KeptTurns)
			continue
		}
		assert.LessOrEqual(t, Cost(est, prepared.Messages)+reserved, context)
		assert.Equal(t, len(prepared.Messages), prepared.KeptTurns+2)
	}
}

func TestPrepareOverflowDropsHistory(t *testing.T) {
	prepared := Prepare(wordEstimator, "sys", turns(3, 1), words(100, "q"), 50, 10)

	assert.True(t, prepared.Overflow)
	assert.Zero(t, prepared.KeptTurns)
	assert.Equal(t, 3, prepared.HistoryTurns)
	require.Len(t, prepared.Messages, 2)
	assert.Equal(t, "user", prepared.Messages[1].Role)
}

func TestStripReasoning(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no markers", "  answer \n", "answer"},
		{"think block", "<think>\nhmm\n</think>\n\nanswer", "answer"},
		{"colon variant", "assistant:</think> answer", "answer"},
		{"last marker wins", "</think>a</think>b", "b"},
		{"only reasoning", "<think>x</think>   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripReasoning(tt.in))
		})
	}
}
