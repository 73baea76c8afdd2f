package chat

import (
	"strings"

	"github.com/velora-ai/companion/internal/character"
)

// ContinuationMarker is the distinguished user message that asks the
// character to keep going rather than start a new thought.
const ContinuationMarker = "continue the story briefly"

// IsContinuation reports whether msg is the continuation marker,
// case-insensitive after trimming.
func IsContinuation(msg string) bool {
	return strings.EqualFold(strings.TrimSpace(msg), ContinuationMarker)
}

// BuildPrompt assembles the instruction-pair prompt: the character's
// template, each historical turn as an instruction/response pair, then
// the current message left open for the model to answer. History must
// already be truncated to the desired window.
func BuildPrompt(ch *character.Character, message string, history []Message) string {
	var b strings.Builder
	b.WriteString(ch.Prompt)
	b.WriteString("\n\n")
	for _, m := range history {
		switch m.Role {
		case RoleUser:
			b.WriteString("### Instruction:\n")
			b.WriteString(m.Content)
			b.WriteString("\n\n### Response:\n")
		case RoleAssistant:
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		}
	}
	b.WriteString("### Instruction:\n")
	b.WriteString(message)
	b.WriteString("\n\n### Response:\n")
	return b.String()
}
