package agentloop

import (
	"fmt"
	"unicode/utf8"
)

// TruncationMode specifies which part of an oversized output is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateHead     TruncationMode = "head"
)

const defaultToolCharLimit = 30000

// DefaultToolCharLimits caps the tool output fed back to the model, per tool.
var DefaultToolCharLimits = map[string]int{
	ToolReadFile:        50000,
	ToolListFiles:       20000,
	ToolWriteFile:       2000,
	ToolDeleteFile:      2000,
	ToolRenameFile:      2000,
	ToolCreateDirectory: 2000,
}

// DefaultTruncationModes picks the truncation mode per tool. Listings are
// sorted, so their head is the useful part.
var DefaultTruncationModes = map[string]TruncationMode{
	ToolReadFile:  TruncateHeadTail,
	ToolListFiles: TruncateHead,
}

// TruncateOutput shortens output to about maxChars bytes, never splitting a
// UTF-8 sequence, and marks what was removed.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	switch mode {
	case TruncateHead:
		head := output[:runeStart(output, maxChars)]
		return head + fmt.Sprintf("\n\n[WARNING: Tool output was truncated. The last %d bytes were removed. "+
			"Narrow the request to see the rest.]", len(output)-len(head))

	default:
		half := maxChars / 2
		head := output[:runeStart(output, half)]
		tail := output[runeStart(output, len(output)-half):]
		removed := len(output) - len(head) - len(tail)
		return head +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d bytes were removed from the middle. "+
				"The full result was delivered to the user.]\n\n", removed) +
			tail
	}
}

// runeStart moves i back to the start of the UTF-8 sequence containing it.
func runeStart(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// TruncateToolOutput applies the per-tool limit and mode. Overrides in
// charLimits win over DefaultToolCharLimits.
func TruncateToolOutput(output string, toolName string, charLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = defaultToolCharLimit
		}
	}

	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	return TruncateOutput(output, maxChars, mode)
}
