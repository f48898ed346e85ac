// Package store is the durable record of personas and their conversations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing row or one owned by another user.
var ErrNotFound = errors.New("not found")

// Message roles.
const (
	RoleUser   = "user"
	RoleSystem = "system"
)

type Persona struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	Src          string    `json:"src"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Instructions string    `json:"instructions"`
	Seed         string    `json:"seed"`
	CategoryID   string    `json:"categoryId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Message struct {
	ID        string    `json:"id"`
	PersonaID string    `json:"personaId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists personas and messages.
type Store interface {
	CreatePersona(ctx context.Context, p Persona) (Persona, error)
	// UpdatePersona rewrites the editable fields of p.ID when p.UserID owns it.
	UpdatePersona(ctx context.Context, p Persona) (Persona, error)
	DeletePersona(ctx context.Context, id, userID string) error
	GetPersona(ctx context.Context, id string) (Persona, error)
	// AppendMessage records m under personaID and returns the persona.
	AppendMessage(ctx context.Context, personaID string, m Message) (Persona, error)
	// ListMessages returns userID's messages with personaID, oldest first.
	ListMessages(ctx context.Context, personaID, userID string) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}
