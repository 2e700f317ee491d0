package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/entity-ledger/internal/engine"
	"github.com/sells-group/entity-ledger/internal/model"
	"github.com/sells-group/entity-ledger/internal/resilience"
	"github.com/sells-group/entity-ledger/internal/store"
)

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleAppend(env *ledgerEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.AppendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		id, err := env.Engine.Append(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"observation_id": id})
	}
}

func handleCorrect(env *ledgerEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Field string      `json:"field"`
			Value model.Value `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		id, err := env.Engine.Correct(r.Context(), chi.URLParam(r, "entityID"), "", req.Field, req.Value)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"observation_id": id})
	}
}

func handleSnapshot(env *ledgerEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID := chi.URLParam(r, "entityID")

		var (
			snap *model.EntitySnapshot
			err  error
		)
		if at := r.URL.Query().Get("at"); at != "" {
			cutoff, perr := time.Parse(time.RFC3339, at)
			if perr != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at must be RFC3339"})
				return
			}
			snap, err = env.Engine.SnapshotAt(r.Context(), entityID, cutoff)
		} else {
			snap, err = env.Engine.CurrentSnapshot(r.Context(), entityID)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleListObservations(env *ledgerEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		observations, err := env.Engine.ListObservations(r.Context(), chi.URLParam(r, "entityID"), limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"observations": observations})
	}
}

func handleProvenance(env *ledgerEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obs, err := env.Engine.FieldProvenance(r.Context(), chi.URLParam(r, "entityID"), chi.URLParam(r, "field"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, obs)
	}
}

func handleMerge(env *ledgerEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.MergeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		receipt, err := env.Engine.Merge(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, receipt)
	}
}

func handleCreateRelationship(env *ledgerEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type     string            `json:"type"`
			SourceID string            `json:"source_id"`
			TargetID string            `json:"target_id"`
			Metadata map[string]string `json:"metadata,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		id, err := env.Graph.Create(r.Context(), model.RelationType(req.Type), req.SourceID, req.TargetID, req.Metadata)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"relationship_id": id})
	}
}

func handleListRelationships(env *ledgerEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		direction, err := model.ParseDirection(r.URL.Query().Get("direction"))
		if err != nil {
			writeError(w, err)
			return
		}
		q := store.RelationshipQuery{Direction: direction}
		if t := r.URL.Query().Get("type"); t != "" {
			relType, err := model.ParseRelationType(t)
			if err != nil {
				writeError(w, err)
				return
			}
			q.Type = relType
		}
		q.Limit, q.Offset = pageParams(r)

		relationships, err := env.Graph.List(r.Context(), chi.URLParam(r, "entityID"), q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"relationships": relationships})
	}
}

func handleTimeline(env *ledgerEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		events, err := env.Engine.Timeline(r.Context(), chi.URLParam(r, "entityID"), limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

func handleRegisterSource(env *ledgerEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.SourceMaterial
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		sm, deduped, err := env.Engine.RegisterSource(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusCreated
		if deduped {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"source": sm, "deduped": deduped})
	}
}

func pageParams(r *http.Request) (limit, offset int) {
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("serve: write response", zap.Error(err))
	}
}

// writeError maps domain error kinds onto HTTP statuses. Merge and cycle
// conflicts both answer 409; the merged payload carries the surviving id
// so callers can retry against it.
func writeError(w http.ResponseWriter, err error) {
	var merged *model.MergedError
	switch {
	case model.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case model.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &merged):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":       err.Error(),
			"merged_into": merged.MergedInto,
		})
	case model.IsCycle(err):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case resilience.IsTransient(err):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
	default:
		zap.L().Error("serve: request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
