package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"

	defaultMaxBody = 1 << 20
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrBodyTooLarge     = errors.New("request body too large")
)

// Verifier guards the dashboard's mutating routes. With an empty Secret every request passes.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	// MaxBody caps the signed body in bytes. Zero means 1 MiB.
	MaxBody int64
	Now     func() time.Time

	// SignatureHeader and TimestampHeader rename the headers; empty means the defaults above.
	SignatureHeader string
	TimestampHeader string

	Log *zap.Logger
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := v.verify(r)
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}

		code := http.StatusUnauthorized
		if errors.Is(err, ErrBodyTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		if v.Log != nil {
			v.Log.Warn("request signature rejected",
				zap.String("path", r.URL.Path),
				zap.String("request_id", r.Header.Get("X-Request-Id")),
				zap.Error(err),
			)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	})
}

// Headers returns the signature and timestamp header names in effect.
func (v *Verifier) Headers() (signature, timestamp string) {
	return orDefault(v.SignatureHeader, HeaderSignature), orDefault(v.TimestampHeader, HeaderTimestamp)
}

func (v *Verifier) verify(r *http.Request) error {
	if v.Secret == "" {
		return nil
	}

	sigHeader, stampHeader := v.Headers()
	sig := r.Header.Get(sigHeader)
	if sig == "" {
		return ErrMissingSignature
	}
	stamp := r.Header.Get(stampHeader)
	unix, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}
	if !v.fresh(time.Unix(unix, 0)) {
		return ErrStaleTimestamp
	}

	body, err := v.bufferBody(r)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(Sign(v.Secret, stamp, body)), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *Verifier) fresh(sent time.Time) bool {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	skew := now.Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	return skew <= v.MaxSkew
}

// bufferBody reads the body once and puts it back for the handler.
func (v *Verifier) bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()

	limit := v.MaxBody
	if limit <= 0 {
		limit = defaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Sign computes hex(HMAC-SHA256(secret, timestamp || body)), the value clients send in the
// signature header.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
