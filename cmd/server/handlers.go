package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cluegraph/cluegraph"
	"github.com/cluegraph/cluegraph/chunker"
	"github.com/cluegraph/cluegraph/store"
)

func newRouter(engine cluegraph.Engine, apiKey string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("POST /search", requireKey(apiKey, handleSearch(engine)))
	mux.Handle("POST /index/chunk", requireKey(apiKey, handleIndexChunk(engine)))
	mux.Handle("POST /index/document", requireKey(apiKey, handleIndexDocument(engine)))
	mux.Handle("POST /index/event", requireKey(apiKey, handleIndexEvent(engine)))
	return mux
}

// requireKey checks the Authorization bearer token when an API key is
// configured. An empty key disables authentication.
func requireKey(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + apiKey
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSearch(engine cluegraph.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cfg cluegraph.SearchConfig
		if err := decodeBody(r, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		applySearchDefaults(&cfg)

		resp, err := engine.Search(r.Context(), cfg)
		if err != nil {
			writeSearchError(w, r.Context(), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// applySearchDefaults fills stage configs the client left zeroed. A wholly
// absent sub-config gets the stage defaults.
func applySearchDefaults(cfg *cluegraph.SearchConfig) {
	defaults := cluegraph.DefaultSearchConfig(cfg.Query)
	if cfg.Recall.VectorTopK == 0 && cfg.Recall.MaxEntities == 0 {
		cfg.Recall = defaults.Recall
	}
	if cfg.Expand.MaxHops == 0 && !cfg.Expand.Enabled {
		cfg.Expand = defaults.Expand
	}
	if cfg.Rerank.MaxResults == 0 {
		cfg.Rerank = defaults.Rerank
	}
}

func handleIndexChunk(engine cluegraph.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c store.Chunk
		if err := decodeBody(r, &c); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id, err := engine.IndexChunk(r.Context(), c)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int64{"chunk_id": id})
	})
}

type indexDocumentRequest struct {
	SourceConfigID string `json:"source_config_id"`
	SourceID       string `json:"source_id"`
	Content        string `json:"content"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
	Overlap        int    `json:"overlap,omitempty"`
}

// handleIndexDocument splits a raw document into chunks and stores each
// one, returning the assigned chunk ids in document order.
func handleIndexDocument(engine cluegraph.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req indexDocumentRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.SourceConfigID == "" || req.Content == "" {
			writeError(w, http.StatusBadRequest, "source_config_id and content are required")
			return
		}

		c := chunker.New(chunker.Config{MaxTokens: req.MaxTokens, Overlap: req.Overlap})
		chunks := c.Chunk(req.SourceConfigID, req.SourceID, req.Content)
		ids := make([]int64, 0, len(chunks))
		for _, ch := range chunks {
			id, err := engine.IndexChunk(r.Context(), ch)
			if err != nil {
				writeError(w, statusFor(err), err.Error())
				return
			}
			ids = append(ids, id)
		}
		writeJSON(w, http.StatusCreated, map[string]any{"chunk_ids": ids})
	})
}

type indexEventRequest struct {
	Event    store.Event             `json:"event"`
	Entities []cluegraph.IndexEntity `json:"entities"`
}

func handleIndexEvent(engine cluegraph.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req indexEventRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id, err := engine.IndexEvent(r.Context(), req.Event, req.Entities)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int64{"event_id": id})
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeSearchError(w http.ResponseWriter, ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		writeError(w, http.StatusRequestTimeout, "search cancelled")
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("search failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cluegraph.ErrEmptyQuery),
		errors.Is(err, cluegraph.ErrNoSourceScopes),
		errors.Is(err, cluegraph.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
