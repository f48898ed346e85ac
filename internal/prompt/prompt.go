// Package prompt renders the persona instruction block sent to the model.
package prompt

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInputTooLarge reports a prompt above the model's accepted length.
var ErrInputTooLarge = errors.New("prompt exceeds model input limit")

// Input carries everything the assembled prompt depends on.
type Input struct {
	PersonaName      string
	CallerName       string
	Instructions     string
	RelevantHistory  string
	RecentTranscript string
}

// Assemble renders in. Output is a pure function of its input. The
// relevant-history block is left out when there is nothing to show.
func Assemble(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ONLY generate plain sentences without prefix of who is speaking. DO NOT use %s: prefix.\n\n", in.PersonaName)
	fmt.Fprintf(&b, "You are %s and are currently talking to %s.\n\n", in.PersonaName, in.CallerName)
	b.WriteString(in.Instructions)
	b.WriteString("\n\n")
	if strings.TrimSpace(in.RelevantHistory) != "" {
		fmt.Fprintf(&b, "Below are relevant details about %s's past and the conversation you are in.\n", in.PersonaName)
		b.WriteString(in.RelevantHistory)
		b.WriteString("\n\n")
	}
	b.WriteString("Below is a relevant conversation history\n")
	b.WriteString(in.RecentTranscript)
	b.WriteString("\n")
	b.WriteString(in.PersonaName)
	return b.String()
}

// Check rejects prompts longer than maxChars runes. A non-positive limit
// disables the check.
func Check(prompt string, maxChars int) error {
	if maxChars <= 0 {
		return nil
	}
	if n := utf8.RuneCountInString(prompt); n > maxChars {
		return fmt.Errorf("%w: %d > %d characters", ErrInputTooLarge, n, maxChars)
	}
	return nil
}
