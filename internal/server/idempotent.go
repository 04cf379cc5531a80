package server

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"escrowdash/internal/idempotency"
)

const headerIdempotencyKey = "X-Idempotency-Key"

// replayRecorder buffers a write response so it can be stored after the handler returns.
type replayRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *replayRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *replayRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// storable reports whether a response settles the request. Accepted sends and remote
// rejections do; everything else may succeed on retry.
func storable(code int) bool {
	return (code >= 200 && code < 300) || code == http.StatusUnprocessableEntity
}

// idempotent requires X-Idempotency-Key and replays the stored response for a repeated key. A
// key reused with a different request is refused, as is a key whose first request is still
// running.
func (s *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			writeJSONError(w, http.StatusBadRequest, "missing "+headerIdempotencyKey+" header")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unable to read body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)

		ctx := r.Context()
		if existing, err := s.store.Get(ctx, key); err != nil {
			s.log.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		} else if existing != nil {
			if existing.Fingerprint != "" && existing.Fingerprint != fingerprint {
				s.metrics.incReplay("mismatch")
				writeJSONError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different request")
				return
			}
			s.metrics.incReplay("cached")
			if existing.TxHash != "" {
				w.Header().Set(headerTxHash, existing.TxHash)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}

		if _, busy := s.inflight.LoadOrStore(key, struct{}{}); busy {
			s.metrics.incReplay("in_flight")
			writeJSONError(w, http.StatusConflict, "a request with this idempotency key is in progress")
			return
		}
		defer s.inflight.Delete(key)

		rec := &replayRecorder{ResponseWriter: w}
		next(rec, r)

		if !storable(rec.status) {
			s.metrics.incReplay("not_stored")
			return
		}
		now := time.Now()
		record := idempotency.Record{
			Fingerprint: fingerprint,
			StatusCode:  rec.status,
			Response:    rec.body.Bytes(),
			TxHash:      rec.Header().Get(headerTxHash),
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, key, record); err != nil {
			s.log.Warn("idempotency save failed", zap.String("key", key), zap.Error(err))
			return
		}
		s.metrics.incReplay("stored")
	}
}
