package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/osman-sultan/persona-ai/internal/store"
)

type personaRequest struct {
	Src          string `json:"src"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
	Seed         string `json:"seed"`
	CategoryID   string `json:"categoryId"`
}

func (p personaRequest) missing() []string {
	var out []string
	for _, f := range []struct{ name, value string }{
		{"src", p.Src},
		{"name", p.Name},
		{"description", p.Description},
		{"instructions", p.Instructions},
		{"seed", p.Seed},
		{"categoryId", p.CategoryID},
	} {
		if strings.TrimSpace(f.value) == "" {
			out = append(out, f.name)
		}
	}
	return out
}

func (s *Server) decodePersona(w http.ResponseWriter, r *http.Request) (personaRequest, bool) {
	var req personaRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return req, false
	}
	if missing := req.missing(); len(missing) > 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "Missing required fields: "+strings.Join(missing, ", "))
		return req, false
	}
	return req, true
}

func (s *Server) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	req, ok := s.decodePersona(w, r)
	if !ok {
		return
	}
	p, err := s.personas.CreatePersona(r.Context(), store.Persona{
		UserID:       caller.ID,
		UserName:     caller.FirstName,
		Src:          req.Src,
		Name:         req.Name,
		Description:  req.Description,
		Instructions: req.Instructions,
		Seed:         req.Seed,
		CategoryID:   req.CategoryID,
	})
	if err != nil {
		s.log.Error("create persona", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error")
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePersona(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	req, ok := s.decodePersona(w, r)
	if !ok {
		return
	}
	p, err := s.personas.UpdatePersona(r.Context(), store.Persona{
		ID:           chi.URLParam(r, "personaId"),
		UserID:       caller.ID,
		UserName:     caller.FirstName,
		Src:          req.Src,
		Name:         req.Name,
		Description:  req.Description,
		Instructions: req.Instructions,
		Seed:         req.Seed,
		CategoryID:   req.CategoryID,
	})
	s.respondPersona(w, p, err)
}

func (s *Server) handleDeletePersona(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "personaId")
	if err := s.personas.DeletePersona(r.Context(), id, caller.ID); err != nil {
		s.respondPersona(w, store.Persona{}, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(w, r); !ok {
		return
	}
	p, err := s.personas.GetPersona(r.Context(), chi.URLParam(r, "personaId"))
	s.respondPersona(w, p, err)
}

func (s *Server) respondPersona(w http.ResponseWriter, p store.Persona, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "persona_not_found", "Persona not found")
	case err != nil:
		s.log.Error("persona request", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error")
	default:
		respondJSON(w, http.StatusOK, p)
	}
}
