package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/rzpsarthak13/syncengine/pkg/syncengine"
)

// api serves the HTTP endpoints of the daemon.
type api struct {
	client syncengine.Client
}

func newHandler(client syncengine.Client) http.Handler {
	a := &api{client: client}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.health)
	mux.HandleFunc("GET /collections/{name}", a.listRecords)
	mux.HandleFunc("POST /collections/{name}", a.createRecord)
	mux.HandleFunc("GET /collections/{name}/{id}", a.getRecord)
	mux.HandleFunc("PATCH /collections/{name}/{id}", a.updateRecord)
	mux.HandleFunc("DELETE /collections/{name}/{id}", a.deleteRecord)
	mux.HandleFunc("POST /collections/{name}/sync", a.syncCollection)
	mux.HandleFunc("GET /queue", a.queue)
	mux.HandleFunc("POST /queue/process", a.processQueue)
	mux.HandleFunc("POST /queue/retry", a.retryFailed)
	mux.HandleFunc("POST /network", a.setNetwork)
	mux.HandleFunc("POST /prune", a.prune)
	return mux
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	collections := make(map[string]syncengine.SyncStatus)
	for _, name := range a.client.Collections() {
		collections[name] = a.client.CollectionStatus(name)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().Format(time.RFC3339),
		"clientId":    a.client.ClientID(),
		"online":      a.client.Online(),
		"queue":       a.client.QueueStatus(),
		"collections": collections,
	})
}

func (a *api) collection(w http.ResponseWriter, r *http.Request) (syncengine.Collection, bool) {
	col, err := a.client.Collection(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return col, true
}

func (a *api) listRecords(w http.ResponseWriter, r *http.Request) {
	col, ok := a.collection(w, r)
	if !ok {
		return
	}
	recs, err := col.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *api) createRecord(w http.ResponseWriter, r *http.Request) {
	col, ok := a.collection(w, r)
	if !ok {
		return
	}
	var data map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	rec, err := col.Create(r.Context(), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *api) getRecord(w http.ResponseWriter, r *http.Request) {
	col, ok := a.collection(w, r)
	if !ok {
		return
	}
	rec, err := col.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) updateRecord(w http.ResponseWriter, r *http.Request) {
	col, ok := a.collection(w, r)
	if !ok {
		return
	}
	var changes map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	rec, err := col.Update(r.Context(), r.PathValue("id"), changes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) deleteRecord(w http.ResponseWriter, r *http.Request) {
	col, ok := a.collection(w, r)
	if !ok {
		return
	}
	if err := col.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) syncCollection(w http.ResponseWriter, r *http.Request) {
	col, ok := a.collection(w, r)
	if !ok {
		return
	}
	if err := col.Sync(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, col.Status())
}

func (a *api) queue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := a.client.PendingOperations(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	failed, err := a.client.FailedOperations(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  a.client.QueueStatus(),
		"pending": pending,
		"failed":  failed,
	})
}

func (a *api) processQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.client.ProcessQueue(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.client.QueueStatus())
}

func (a *api) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := a.client.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (a *api) setNetwork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	a.client.SetOnline(body.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": a.client.Online()})
}

func (a *api) prune(w http.ResponseWriter, r *http.Request) {
	deleted, err := a.client.PruneOldData(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[SYNCD] ERROR: Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncengine.ErrNotFound), errors.Is(err, syncengine.ErrUnknownTable):
		code = http.StatusNotFound
	case errors.Is(err, syncengine.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, syncengine.ErrClientClosed), errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}
