// Package generate wraps the external text-generation capability behind
// a narrow interface. Callers treat it as unreliable: it can time out,
// return empty text, or return junk, and every such case is a
// generation failure for the job that asked.
package generate

import (
	"context"
	"errors"
	"strings"
)

var ErrEmptyReply = errors.New("empty_generation_result")

// Request carries the conversation context for one reply or follow-up.
type Request struct {
	Kind       string // "reply" | "followup"
	Channel    string
	Policy     string // cold | warm | hot, follow-ups only
	Step       int    // follow-up step about to be sent
	LastIntent string
	UserText   string // latest inbound text, replies only
}

type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Clean normalizes raw model output into the single short message the
// channels expect. Returns ErrEmptyReply when nothing usable is left.
func Clean(raw string) (string, error) {
	out := strings.TrimSpace(raw)
	out = strings.Trim(out, `"`)
	// Keep only the first paragraph; models occasionally append
	// alternatives despite the instructions.
	if i := strings.Index(out, "\n\n"); i > 0 {
		out = out[:i]
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyReply
	}
	return out, nil
}
