//nolint:testpackage // Testing internal parsing requires same package access
package apierrors

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestParseHTTPError_NonErrorStatus(t *testing.T) {
	if err := ParseHTTPError(response(200, "ok")); err != nil {
		t.Errorf("expected nil for 200, got %v", err)
	}
	if err := ParseHTTPError(response(302, "")); err != nil {
		t.Errorf("expected nil for 302, got %v", err)
	}
}

func TestParseHTTPError_JSONErrorField(t *testing.T) {
	err := ParseHTTPError(response(429, `{"error": "rate limit exceeded"}`))

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %T", err)
	}
	if httpErr.StatusCode != 429 {
		t.Errorf("status code: got %d, want 429", httpErr.StatusCode)
	}
	if httpErr.Message != "rate limit exceeded" {
		t.Errorf("message: got %q", httpErr.Message)
	}
}

func TestParseHTTPError_JSONMessageField(t *testing.T) {
	err := ParseHTTPError(response(500, `{"message": "internal failure"}`))

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %T", err)
	}
	if httpErr.Message != "internal failure" {
		t.Errorf("message: got %q", httpErr.Message)
	}
}

func TestParseHTTPError_PlainTextBody(t *testing.T) {
	err := ParseHTTPError(response(503, "service unavailable"))

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %T", err)
	}
	if httpErr.Message != "service unavailable" {
		t.Errorf("message: got %q", httpErr.Message)
	}
	if httpErr.Body != "service unavailable" {
		t.Errorf("body: got %q", httpErr.Body)
	}
}

func TestStatusCode(t *testing.T) {
	wrapped := WrapWithContext(NewHTTPError(404, "not found"), "fetch message")

	code, ok := StatusCode(wrapped)
	if !ok || code != 404 {
		t.Errorf("status code: got %d/%v, want 404/true", code, ok)
	}

	if _, ok := StatusCode(errors.New("plain")); ok {
		t.Error("plain errors must not report a status code")
	}
	if _, ok := StatusCode(nil); ok {
		t.Error("nil must not report a status code")
	}
}

func TestHTTPError_Error(t *testing.T) {
	withMsg := NewHTTPError(429, "slow down")
	if got := withMsg.Error(); !strings.Contains(got, "429") || !strings.Contains(got, "slow down") {
		t.Errorf("error string: got %q", got)
	}

	bare := &HTTPError{StatusCode: 500, Status: "Internal Server Error"}
	if got := bare.Error(); !strings.Contains(got, "500") {
		t.Errorf("error string: got %q", got)
	}
}

func TestWrapWithContext_NilPassthrough(t *testing.T) {
	if WrapWithContext(nil, "ctx") != nil {
		t.Error("wrapping nil must stay nil")
	}
	if WrapWithContextf(nil, "ctx %d", 1) != nil {
		t.Error("wrapping nil must stay nil")
	}
}
