package orchestrator

import (
	"regexp"
	"strings"
)

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	toolBlockRe  = regexp.MustCompile("(?s)```tool\\s*\n.*?\n```" +
		"|<tool_code>.*?</tool_code>" +
		"|```tool\\s*\n.*?</tool_code>" +
		"|<tool_code>.*?\n```")
	blankRunsRe = regexp.MustCompile(`\n{3,}`)
)

// StripThink removes chain-of-thought blocks some models emit inline.
func StripThink(text string) string {
	return strings.TrimSpace(thinkBlockRe.ReplaceAllString(text, ""))
}

// StripToolBlocks removes leftover tool invocation markup from a final
// answer, including the mixed open/close variants models produce, then
// collapses the blank runs left behind.
func StripToolBlocks(text string) string {
	text = StripThink(text)
	text = toolBlockRe.ReplaceAllString(text, "")
	return strings.TrimSpace(blankRunsRe.ReplaceAllString(text, "\n\n"))
}
