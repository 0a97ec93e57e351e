// Package api exposes the intent store, drift analysis and capture over HTTP,
// a WebSocket notification stream and MCP.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/driftguard/internal/linker"
	"github.com/kalambet/driftguard/internal/orchestrator"
	"github.com/kalambet/driftguard/internal/storage"
)

type AppDeps struct {
	Store        *storage.Store
	Orchestrator *orchestrator.Orchestrator
	Linker       *linker.Linker
	// Refresh reloads attribution traces and returns the number of traces
	// indexed. Optional.
	Refresh func(ctx context.Context) (int, error)
	Token   string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/intents", handleListIntents(deps))
		r.Post("/intents", handleCreateIntent(deps))
		r.Get("/intents/{id}", handleGetIntent(deps))
		r.Put("/intents/{id}", handleUpdateIntent(deps))
		r.Delete("/intents/{id}", handleDeleteIntent(deps))
		r.Get("/intents/{id}/links", handleListLinks(deps))
		r.Post("/intents/{id}/links", handleCreateLink(deps))
		r.Post("/intents/{id}/link-conversations", handleLinkConversations(deps))
		r.Delete("/links/{id}", handleDeleteLink(deps))
		r.Get("/files/intents", handleFileIntents(deps))
		r.Get("/files/links", handleFileLinks(deps))

		r.Get("/drifts", handleListDrifts(deps))
		r.Get("/drifts/{id}", handleGetDrift(deps))
		r.Post("/drifts/{id}/resolve", handleResolveDrift(deps))

		r.Post("/analyze", handleAnalyze(deps))
		r.Post("/capture", handleCapture(deps))
		r.Get("/capture/status", handleCaptureStatus(deps))
		r.Post("/attribution/refresh", handleRefreshAttribution(deps))
		r.Get("/events", handleEvents(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- intents ---

func handleListIntents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		intents := deps.Store.ListIntents(storage.IntentFilter{
			Status:   q.Get("status"),
			Tag:      q.Get("tag"),
			Category: q.Get("category"),
		})
		if limit := parseIntParam(r, "limit", 0, 0); limit > 0 && limit < len(intents) {
			intents = intents[:limit]
		}
		writeJSON(w, http.StatusOK, intents)
	}
}

func handleCreateIntent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in storage.Intent
		if !decodeBody(w, r, &in) {
			return
		}
		in.Statement = strings.TrimSpace(in.Statement)
		if in.Statement == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "statement is required")
			return
		}
		created, err := deps.Orchestrator.CreateIntent(r.Context(), in)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleGetIntent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := deps.Store.GetIntent(chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

// handleUpdateIntent decodes the body over the stored record, so omitted
// fields keep their current values.
func handleUpdateIntent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		in, err := deps.Store.GetIntent(id)
		if err != nil {
			storeError(w, err)
			return
		}
		if !decodeBody(w, r, &in) {
			return
		}
		in.ID = id
		if strings.TrimSpace(in.Statement) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "statement must not be empty")
			return
		}
		updated, err := deps.Orchestrator.UpdateIntent(r.Context(), in)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteIntent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Orchestrator.DeleteIntent(r.Context(), chi.URLParam(r, "id")); err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// --- links ---

type linkRequest struct {
	FileURI   string `json:"fileUri"`
	StartLine *int   `json:"startLine,omitempty"`
	EndLine   *int   `json:"endLine,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

func handleListLinks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetIntent(id); err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deps.Store.ListLinks(storage.LinkFilter{IntentID: id}))
	}
}

func handleCreateLink(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req linkRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.FileURI) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "fileUri is required")
			return
		}
		link, err := deps.Linker.CreateUserLink(r.Context(), chi.URLParam(r, "id"), req.FileURI, req.StartLine, req.EndLine, req.Rationale)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, link)
	}
}

func handleLinkConversations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := deps.Store.GetIntent(chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err)
			return
		}
		links := deps.Linker.LinkIntentByConversation(r.Context(), in)
		if links == nil {
			links = []storage.IntentLink{}
		}
		writeJSON(w, http.StatusOK, links)
	}
}

func handleDeleteLink(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteLink(r.Context(), chi.URLParam(r, "id")); err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleFileIntents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimSpace(r.URL.Query().Get("path"))
		if path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}
		intents := deps.Linker.IntentsForFile(r.Context(), path)
		if intents == nil {
			intents = []storage.Intent{}
		}
		writeJSON(w, http.StatusOK, intents)
	}
}

// handleFileLinks lists the links on a file. With start (and optionally end)
// only whole-file links and links overlapping that range are returned.
func handleFileLinks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimSpace(r.URL.Query().Get("path"))
		if path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}
		start := parseIntParam(r, "start", 0, 0)
		end := parseIntParam(r, "end", start, 0)
		if end < start {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "end must not be before start")
			return
		}

		var links []storage.IntentLink
		if start > 0 {
			links = deps.Linker.LinksForRange(r.Context(), path, start, end)
		} else {
			links = deps.Linker.LinksForFile(r.Context(), path)
		}
		if links == nil {
			links = []storage.IntentLink{}
		}
		writeJSON(w, http.StatusOK, links)
	}
}

// --- drifts ---

func handleListDrifts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		events := deps.Store.ListDriftEvents(storage.DriftFilter{
			Status:  q.Get("status"),
			FileURI: q.Get("file"),
		})
		if limit := parseIntParam(r, "limit", 0, 0); limit > 0 && limit < len(events) {
			events = events[:limit]
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func handleGetDrift(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := deps.Store.GetDriftEvent(chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

type resolveRequest struct {
	Action       orchestrator.Action `json:"action"`
	NewStatement string              `json:"newStatement,omitempty"`
}

func handleResolveDrift(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Action == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "action is required")
			return
		}
		ev, err := deps.Orchestrator.ResolveDrift(r.Context(), chi.URLParam(r, "id"), req.Action, req.NewStatement)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

// --- analyze & capture ---

func handleAnalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opts orchestrator.AnalyzeOptions
		if !decodeBody(w, r, &opts) {
			return
		}
		res, err := deps.Orchestrator.AnalyzeChanges(r.Context(), opts)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleCapture(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := orchestrator.CaptureOptions{AutoLink: true}
		if !decodeBody(w, r, &opts) {
			return
		}
		res, err := deps.Orchestrator.CaptureIntents(r.Context(), opts)
		if err != nil {
			storeError(w, err)
			return
		}
		code := http.StatusOK
		if res.Blocked {
			code = http.StatusConflict
		}
		writeJSON(w, code, res)
	}
}

func handleCaptureStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, deps.Orchestrator.Status())
	}
}

func handleRefreshAttribution(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Refresh == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "attribution refresh is not configured")
			return
		}
		n, err := deps.Refresh(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "refreshing attribution: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"traces": n})
	}
}
