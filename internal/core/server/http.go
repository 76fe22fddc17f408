package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/gaugex/gaugex/internal/core/auth"
)

// maxBodyBytes bounds one HTTP batch.
const maxBodyBytes = 8 << 20

// HTTPHandler serves POST /events with the same checks as the gRPC service.
func (c *Collector) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", c.handleEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (c *Collector) handleEvents(w http.ResponseWriter, r *http.Request) {
	if err := c.authenticator.Authenticate(r.Header.Get("X-API-Key")); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if c.signer != nil && !c.signer.Verify(body, r.Header.Get("X-Signature")) {
		http.Error(w, auth.ErrInvalidSignature.Error(), http.StatusForbidden)
		return
	}

	var batch []map[string]any
	if err := json.Unmarshal(body, &batch); err != nil {
		http.Error(w, fmt.Sprintf("invalid batch: %v", err), http.StatusBadRequest)
		return
	}
	if len(batch) > c.cfg.MaxBatchSize {
		http.Error(w, fmt.Sprintf("batch size exceeds maximum of %d events", c.cfg.MaxBatchSize), http.StatusBadRequest)
		return
	}

	for _, wire := range batch {
		c.logEvent(wire)
	}
	c.record(len(batch))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]int{"accepted": len(batch)}); err != nil {
		c.logger.Debug("failed to write response", zap.Error(err))
	}
}
