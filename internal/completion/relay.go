// Package completion relays a generation stream to a caller while building
// the complete text for persistence.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/osman-sultan/persona-ai/internal/llm"
)

// ErrTruncated reports a stream that ended without its completion marker.
var ErrTruncated = errors.New("completion stream truncated")

// Sink receives each chunk as soon as it arrives.
type Sink func(text string) error

// Result is the outcome of a relay. Text is only set when Complete is true.
type Result struct {
	Text     string
	Complete bool
	// Relayed counts the bytes handed to the sink, complete or not.
	Relayed int
	Chunks  int
}

// Relay forwards chunks to sink and accumulates them. Only a stream that
// ends with an explicit Done yields a complete Result; any error, early
// close, sink failure or cancellation discards the accumulated text.
func Relay(ctx context.Context, chunks <-chan llm.Chunk, sink Sink) (Result, error) {
	var (
		res Result
		buf strings.Builder
	)
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return res, ErrTruncated
			}
			if c.Err != nil {
				return res, fmt.Errorf("%w: %w", ErrTruncated, c.Err)
			}
			if c.Done {
				res.Text = buf.String()
				res.Complete = true
				return res, nil
			}
			if c.Text == "" {
				continue
			}
			if sink != nil {
				if err := sink(c.Text); err != nil {
					return res, fmt.Errorf("relay to caller: %w", err)
				}
			}
			buf.WriteString(c.Text)
			res.Relayed += len(c.Text)
			res.Chunks++
		}
	}
}
