package chatsync

import (
	"strings"

	"github.com/rs/zerolog"
)

// Accumulator buffers the chunks of the in-flight assistant reply of one conversation.
//
// It is not safe for concurrent use; the Synchronizer serializes access.
type Accumulator struct {
	conversationID string
	log            zerolog.Logger

	active bool
	text   strings.Builder
	seen   int
}

// NewAccumulator returns an idle accumulator for conversationID.
func NewAccumulator(conversationID string, logger zerolog.Logger) *Accumulator {
	return &Accumulator{conversationID: conversationID, log: logger}
}

// OnStreamStart resets the buffer for a new reply. An unfinished previous reply is discarded
// and reported through the return value.
func (a *Accumulator) OnStreamStart() bool {
	discarded := false
	if a.active {
		discarded = true
		a.log.Warn().
			Str("conv_id", a.conversationID).
			Int("chunks_seen", a.seen).
			Int("partial_len", a.text.Len()).
			Msg("stream start while previous stream unfinished, discarding partial reply")
	}
	a.text.Reset()
	a.seen = 0
	a.active = true
	return discarded
}

// OnChunk appends a chunk. It returns false and changes nothing when no stream is active.
func (a *Accumulator) OnChunk(chunk string) bool {
	if !a.active {
		return false
	}
	a.text.WriteString(chunk)
	a.seen++
	return true
}

// OnStreamEnd returns the text to finalize and clears the buffer. Non-empty server text wins
// over the accumulated chunks. The second return is false when no stream was active.
func (a *Accumulator) OnStreamEnd(finalText string) (string, bool) {
	if !a.active {
		return "", false
	}
	accumulated := a.text.String()
	out := accumulated
	if finalText != "" {
		out = finalText
		if a.seen == 0 {
			a.log.Debug().Str("conv_id", a.conversationID).Msg("stream ended with server text but no chunks")
		} else if finalText != accumulated {
			a.log.Debug().
				Str("conv_id", a.conversationID).
				Int("chunks_seen", a.seen).
				Int("accumulated_len", len(accumulated)).
				Int("final_len", len(finalText)).
				Msg("server final text differs from accumulated chunks")
		}
	}
	a.reset()
	return out, true
}

// CurrentPartialText returns the text received so far, or "" when not streaming.
func (a *Accumulator) CurrentPartialText() string {
	if !a.active {
		return ""
	}
	return a.text.String()
}

// ChunkSequenceSeen is the number of chunks received for the current reply.
func (a *Accumulator) ChunkSequenceSeen() int { return a.seen }

// Active reports whether a reply is streaming.
func (a *Accumulator) Active() bool { return a.active }

// Cancel discards the current reply without finalizing it. It reports whether a stream was
// active.
func (a *Accumulator) Cancel() bool {
	if !a.active {
		return false
	}
	a.log.Info().
		Str("conv_id", a.conversationID).
		Int("chunks_seen", a.seen).
		Msg("discarding in-flight reply")
	a.reset()
	return true
}

func (a *Accumulator) reset() {
	a.text.Reset()
	a.seen = 0
	a.active = false
}
