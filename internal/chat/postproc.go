package chat

import "strings"

// completionSuffixes close a sentence. "..." is covered by ".".
var completionSuffixes = []string{".", "!", "?", "—", "–", "~", "*"}

// IsComplete reports whether the trimmed reply ends on terminal
// punctuation.
func IsComplete(reply string) bool {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return false
	}
	for _, s := range completionSuffixes {
		if strings.HasSuffix(trimmed, s) {
			return true
		}
	}
	return false
}

// Repair closes an unterminated reply. A continuation of an already
// dangling sentence gets an ellipsis so the join reads as one trailing
// thought; anything else gets a period.
func Repair(reply string, continuation, priorComplete bool) string {
	if IsComplete(reply) {
		return reply
	}
	if continuation && !priorComplete {
		return reply + "..."
	}
	return reply + "."
}

// ChunkBuffer coalesces token deltas into display-sized chunks. Emit is
// called with each flushed chunk.
type ChunkBuffer struct {
	buf  strings.Builder
	emit func(string)
}

func NewChunkBuffer(emit func(string)) *ChunkBuffer {
	return &ChunkBuffer{emit: emit}
}

func shouldFlush(s string) bool {
	if len(s) > 20 {
		return true
	}
	return strings.ContainsAny(s, " \t\r\n.,!?")
}

// Write appends a delta and flushes when the buffer crosses a chunk
// boundary.
func (b *ChunkBuffer) Write(delta string) {
	if delta == "" {
		return
	}
	b.buf.WriteString(delta)
	if shouldFlush(b.buf.String()) {
		b.Flush()
	}
}

// Flush emits any buffered text.
func (b *ChunkBuffer) Flush() {
	if b.buf.Len() == 0 {
		return
	}
	b.emit(b.buf.String())
	b.buf.Reset()
}
