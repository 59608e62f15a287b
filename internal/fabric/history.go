package fabric

// ConversationTurn is a single prior turn relayed to the data agent for
// context. Turns are ordered oldest first.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	// DefaultMaxHistoryPairs bounds how many user/assistant pairs are relayed.
	DefaultMaxHistoryPairs = 12
	// DefaultMaxHistoryChars bounds the total content length relayed.
	DefaultMaxHistoryChars = 8000
)

// TrimHistory bounds a conversation history before it is replayed to the
// agent. The most recent 2*maxPairs turns are kept, then whole pairs are
// dropped from the oldest end while the total content length exceeds
// maxChars. Trimming removes user+assistant pairs together so no orphaned
// turn is left at the front; if a single remaining pair still exceeds the
// character budget it is kept as-is rather than splitting it.
func TrimHistory(turns []ConversationTurn, maxPairs, maxChars int) []ConversationTurn {
	if len(turns) == 0 {
		return turns
	}
	if maxPairs <= 0 {
		maxPairs = DefaultMaxHistoryPairs
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxHistoryChars
	}

	// Recency matters most for the agent's context: keep the tail.
	if keep := 2 * maxPairs; len(turns) > keep {
		turns = turns[len(turns)-keep:]
	}

	total := 0
	for i := range turns {
		total += len(turns[i].Content)
	}

	for total > maxChars && len(turns) > 2 {
		total -= len(turns[0].Content) + len(turns[1].Content)
		turns = turns[2:]
	}
	return turns
}
