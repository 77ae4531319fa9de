package proxyerr

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		Transport: http.StatusBadGateway,
		NotFound:  http.StatusNotFound,
		Forbidden: http.StatusForbidden,
		Exhausted: http.StatusServiceUnavailable,
		Parse:     http.StatusBadRequest,
		Internal:  http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := kind.HTTPStatus(); got != want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", kind, got, want)
		}
	}
}

func TestExhaustedIsNotForbidden(t *testing.T) {
	if Exhausted.HTTPStatus() == Forbidden.HTTPStatus() {
		t.Fatalf("exhaustion must map to a distinct status from admission-forbidden")
	}
}

func TestErrorUnwraps(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	pe := New(Transport, "fetch_upstream", inner)
	if !errors.Is(pe, inner) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestHTTPStatusHelperDefaultsToInternalForPlainErrors(t *testing.T) {
	if got := HTTPStatus(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("HTTPStatus(plain error) = %d, want 500", got)
	}
}

func TestErrorMessageIncludesPhaseAndKind(t *testing.T) {
	pe := New(NotFound, "resolve_virtual_id", nil)
	msg := pe.Error()
	if !contains(msg, "resolve_virtual_id") || !contains(msg, "not_found") {
		t.Fatalf("unexpected error message: %q", msg)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
