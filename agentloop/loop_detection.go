package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// toolCallSignature identifies a call by name and a hash of its arguments.
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures returns up to count signatures of the most recent tool
// calls, oldest first.
func recentSignatures(history []Turn, count int) []string {
	sigs := make([]string, 0, count)
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		turn := history[i]
		if turn.Kind != TurnAssistant || turn.Assistant == nil {
			continue
		}
		calls := turn.Assistant.ToolCalls
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j].Name, calls[j].Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports the length of a repeating pattern (1, 2 or 3 calls)
// covering the last windowSize tool calls, or 0 if there is none.
func DetectLoop(history []Turn, windowSize int) int {
	if windowSize < 2 {
		return 0
	}
	sigs := recentSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return 0
	}

	for patternLen := 1; patternLen <= 3 && patternLen < windowSize; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		repeats := true
		for i := patternLen; i < windowSize && repeats; i++ {
			repeats = sigs[i] == sigs[i%patternLen]
		}
		if repeats {
			return patternLen
		}
	}
	return 0
}

func loopWarning(windowSize, patternLen int) string {
	return fmt.Sprintf("Loop detected: the last %d tool calls repeat a pattern of %d call(s) with identical arguments. "+
		"The results will not change. Try a different approach or answer with what you have.", windowSize, patternLen)
}
