package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/srpenergy/pkg/energy"
	"github.com/raterudder/srpenergy/pkg/integration"
	"github.com/raterudder/srpenergy/pkg/log"
)

func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.states.All())
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, ok := s.states.Get(r.PathValue("entity_id"))
	if !ok {
		writeJSONError(w, "entity not found", http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

type entryResponse struct {
	ID                string                 `json:"id"`
	Title             string                 `json:"title"`
	AccountID         string                 `json:"accountID"`
	State             integration.EntryState `json:"state"`
	EntityID          string                 `json:"entityID"`
	LastUpdateSuccess bool                   `json:"lastUpdateSuccess"`
	LastUpdate        *time.Time             `json:"lastUpdate,omitempty"`
	LastError         string                 `json:"lastError,omitempty"`
}

func newEntryResponse(e *integration.Entry) entryResponse {
	coord := e.Coordinator()
	res := entryResponse{
		ID:                e.ID(),
		Title:             e.Title(),
		AccountID:         e.AccountID(),
		State:             e.State(),
		EntityID:          e.Sensor().EntityID(),
		LastUpdateSuccess: coord.LastUpdateSuccess(),
	}
	if t := coord.LastUpdate(); !t.IsZero() {
		res.LastUpdate = &t
	}
	if err := coord.LastError(); err != nil {
		res.LastError = err.Error()
	}
	return res
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.manager.Entries()
	res := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		res = append(res, newEntryResponse(e))
	}
	writeJSON(w, res)
}

func (s *Server) handleRefreshEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("entry_id")

	err := s.manager.RefreshEntry(ctx, id)
	if errors.Is(err, integration.ErrEntryNotFound) {
		writeJSONError(w, "entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		var ufe *energy.UpdateFailedError
		if errors.As(err, &ufe) {
			writeJSONError(w, ufe.Error(), http.StatusBadGateway)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to refresh entry", slog.String("entryID", id), slog.Any("error", err))
		writeJSONError(w, "failed to refresh entry", http.StatusInternalServerError)
		return
	}

	e, ok := s.manager.Entry(id)
	if !ok {
		writeJSONError(w, "entry not found", http.StatusNotFound)
		return
	}
	writeJSON(w, newEntryResponse(e))
}
