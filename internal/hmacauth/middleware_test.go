package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newVerifier() *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now:     func() time.Time { return fixedNow },
	}
}

func signedRequest(body string, at time.Time, secret string) *http.Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deals/7/actions/activate", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(secret, ts, []byte(body)))
	return req
}

func TestMiddlewareAllowsValidSignatureAndKeepsBody(t *testing.T) {
	body := `{"reason":"late"}`
	rec := httptest.NewRecorder()

	var seen string
	newVerifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, signedRequest(body, fixedNow, "secret"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen)
}

func TestMiddlewareRejects(t *testing.T) {
	cases := map[string]*http.Request{
		"wrong secret": signedRequest(`{}`, fixedNow, "other"),
		"stale":        signedRequest(`{}`, fixedNow.Add(-2*time.Minute), "secret"),
		"future":       signedRequest(`{}`, fixedNow.Add(2*time.Minute), "secret"),
		"unsigned":     httptest.NewRequest(http.MethodPost, "/api/v1/deals", strings.NewReader(`{}`)),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newVerifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			})).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestMiddlewareCustomHeaders(t *testing.T) {
	v := newVerifier()
	v.SignatureHeader = "X-Dashboard-Signature"

	ts := strconv.FormatInt(fixedNow.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/connect", nil)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set("X-Dashboard-Signature", Sign("secret", ts, nil))

	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestVerifierHeaders(t *testing.T) {
	sig, ts := (&Verifier{}).Headers()
	assert.Equal(t, HeaderSignature, sig)
	assert.Equal(t, HeaderTimestamp, ts)

	sig, ts = (&Verifier{SignatureHeader: "X-A", TimestampHeader: "X-B"}).Headers()
	assert.Equal(t, "X-A", sig)
	assert.Equal(t, "X-B", ts)
}

func TestMiddlewareOpenWithoutSecret(t *testing.T) {
	rec := httptest.NewRecorder()
	(&Verifier{}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsOversizedBody(t *testing.T) {
	v := newVerifier()
	v.MaxBody = 8

	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, signedRequest(`{"reason":"far too long"}`, fixedNow, "secret"))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"request body too large"}`, rec.Body.String())
}
