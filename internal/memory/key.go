// Package memory holds the two conversation memory tiers: the short-term
// transcript log kept in a fast keyed cache and the long-term semantic
// index kept in a vector store.
package memory

import (
	"net/url"
	"strings"
)

// SessionKey namespaces every memory read and write for one conversation.
// Equal keys share all memory state.
type SessionKey struct {
	PersonaName string `json:"persona_name"`
	CallerID    string `json:"caller_id"`
	ModelName   string `json:"model_name"`
}

// Derive builds the key from its parts. Parts are compared by exact string
// equality; callers must pass canonical persona names.
func Derive(personaName, callerID, modelName string) SessionKey {
	return SessionKey{PersonaName: personaName, CallerID: callerID, ModelName: modelName}
}

// String is the cache key. Each part is escaped so distinct keys never
// collapse onto the same string.
func (k SessionKey) String() string {
	return "history:" + url.QueryEscape(k.PersonaName) + ":" + url.QueryEscape(k.ModelName) + ":" + url.QueryEscape(k.CallerID)
}

// PersonaNamespace is the long-term document namespace of a persona.
func PersonaNamespace(personaName string) string {
	return "persona:" + url.QueryEscape(personaName)
}

// TranscriptWindow is a bounded run of transcript lines, oldest first.
type TranscriptWindow []string

// Text joins the window the way it is shown to the model.
func (w TranscriptWindow) Text() string {
	return strings.Join(w, "\n")
}

func (w TranscriptWindow) Empty() bool { return len(w) == 0 }
