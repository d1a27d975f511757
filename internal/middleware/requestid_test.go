package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/Strob0t/GridForge/internal/logger"
)

func serveWithRequestID(t *testing.T, header string) (ctxID, respID string) {
	t.Helper()
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		ctxID = logger.RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if header != "" {
		req.Header.Set("X-Request-ID", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return ctxID, rec.Header().Get("X-Request-ID")
}

func TestRequestIDGenerated(t *testing.T) {
	ctxID, respID := serveWithRequestID(t, "")
	if _, err := uuid.Parse(respID); err != nil {
		t.Fatalf("response id %q is not a uuid: %v", respID, err)
	}
	if ctxID != respID {
		t.Errorf("context id %q != response id %q", ctxID, respID)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	const existing = "my-custom-id-123"
	ctxID, respID := serveWithRequestID(t, existing)
	if ctxID != existing || respID != existing {
		t.Errorf("got ctx=%q resp=%q, want %q", ctxID, respID, existing)
	}
}

func TestRequestIDRejectsUnsafe(t *testing.T) {
	for _, bad := range []string{
		"has space",
		"line\nbreak",
		"quote\"",
		strings.Repeat("a", maxRequestIDLen+1),
	} {
		_, respID := serveWithRequestID(t, bad)
		if respID == bad {
			t.Errorf("unsafe id %q was kept", bad)
		}
		if _, err := uuid.Parse(respID); err != nil {
			t.Errorf("replacement for %q is not a uuid: %q", bad, respID)
		}
	}
}
