package recordcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/record-cache/record-cache/recording"

	"github.com/go-chi/chi/v5"
)

// controlRouter builds the control API: the client-to-worker message
// endpoint, the per-client event stream, and section inspection.
func (rc *RecordCache) controlRouter() http.Handler {
	r := chi.NewRouter()
	r.Route("/recorder", func(r chi.Router) {
		r.Post("/message", rc.handleMessage)
		r.Get("/events", rc.handleEvents)
		r.Get("/sections", rc.handleListSections)
		r.Get("/sections/{sectionID}", rc.handleGetSection)
		r.Get("/sections/{sectionID}/replay", rc.handleReplay)
	})
	return r
}

func (rc *RecordCache) handleMessage(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(ClientHeader)
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read message body")
		return
	}
	msg, err := recording.DecodeMessage(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch m := msg.(type) {
	case recording.StartRecording:
		if clientID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s header required", ClientHeader))
			return
		}
		rc.writeResult(w, rc.recorder.Start(clientID, m.SectionID, m.SettleDelay))
	case recording.CompleteRecording:
		if clientID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s header required", ClientHeader))
			return
		}
		rc.writeResult(w, rc.recorder.Complete(clientID))
	case recording.DeleteSection:
		rc.writeResult(w, rc.recorder.Delete(m.SectionID))
	case recording.SkipWaiting:
		// lifecycle control, nothing to switch over in a plain server
		rc.log.Debug().Str("client", clientID).Msg("Skip waiting requested")
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeResult maps controller errors to HTTP statuses:
// validation failures are the caller's fault, conflicts mean the session is
// in the wrong state, commit failures are the worker's.
func (rc *RecordCache) writeResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, recording.ErrInvalidSectionID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recording.ErrAlreadyRecording),
		errors.Is(err, recording.ErrNotRecording),
		errors.Is(err, recording.ErrNotAwaitingConfirmation):
		writeError(w, http.StatusConflict, err.Error())
	default:
		rc.log.Error().Err(err).Msg("Control message failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleEvents is the worker-to-client channel: a server-sent event stream
// carrying confirmation requests and recording errors for one client.
func (rc *RecordCache) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = r.Header.Get(ClientHeader)
	}
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel := rc.hub.Subscribe(clientID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc.log.Debug().Str("client", clientID).Msg("Event stream opened")
	for {
		select {
		case <-r.Context().Done():
			rc.log.Debug().Str("client", clientID).Msg("Event stream closed")
			return
		case b := <-events:
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

func (rc *RecordCache) handleListSections(w http.ResponseWriter, r *http.Request) {
	records, err := rc.store.List()
	if err != nil {
		rc.log.Error().Err(err).Msg("Could not list sections")
		writeError(w, http.StatusInternalServerError, "could not list sections")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (rc *RecordCache) handleGetSection(w http.ResponseWriter, r *http.Request) {
	sectionID := chi.URLParam(r, "sectionID")
	rec, ok, err := rc.store.Get(sectionID)
	if err != nil {
		rc.log.Error().Err(err).Str("section", sectionID).Msg("Could not get section")
		writeError(w, http.StatusInternalServerError, "could not get section")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no such section")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleReplay serves one recorded response out of a section's durable cache.
func (rc *RecordCache) handleReplay(w http.ResponseWriter, r *http.Request) {
	sectionID := chi.URLParam(r, "sectionID")
	key := r.URL.Query().Get("url")
	if key == "" {
		writeError(w, http.StatusBadRequest, "url query parameter required")
		return
	}
	e, ok, err := rc.cache.Match(recording.SectionCacheName(sectionID), key)
	if err != nil {
		rc.log.Error().Err(err).Str("section", sectionID).Msg("Could not read section cache")
		writeError(w, http.StatusInternalServerError, "could not read section cache")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no recorded response for url")
		return
	}
	rc.sendStored(w, r, e, "replay")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
