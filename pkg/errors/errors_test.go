package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestCodeOf tests code extraction through wrapping
func TestCodeOf(t *testing.T) {
	base := NotFound("release", "redis")
	wrapped := fmt.Errorf("loading release: %w", base)

	assert.Equal(t, CodeNotFound, CodeOf(base))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
	assert.Equal(t, 0, CodeOf(errors.New("plain")))
	assert.Equal(t, 0, CodeOf(nil))
}

// TestStatusOf tests HTTP status mapping
func TestStatusOf(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", NotFound("task", "42"), http.StatusNotFound},
		{"validation", ValidationFailed("job web references unknown resource pool"), http.StatusBadRequest},
		{"not authorized", NotAuthorized(), http.StatusUnauthorized},
		{"lock busy", LockBusy("lock:deployment:prod", 5*time.Minute), http.StatusServiceUnavailable},
		{"release in use", ReleaseInUse("redis", []string{"prod"}), http.StatusConflict},
		{"agent timeout", AgentTimeout("agent-1", "ping", 30*time.Second), http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, StatusOf(tt.err))
		})
	}
}

// TestIs tests that errors.Is matches by code across instances
func TestIs(t *testing.T) {
	err := fmt.Errorf("deploy: %w", LockBusy("lock:release", time.Minute))

	assert.True(t, errors.Is(err, LockBusy("anything", 0)))
	assert.False(t, errors.Is(err, NotAuthorized()))
}

// TestUnwrap tests that wrapped causes stay reachable
func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := CloudError("create_vm", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "create_vm")
	assert.Contains(t, err.Error(), "connection refused")
}

// TestIsCancelled tests the cancellation predicate
func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(Cancelled(7)))
	assert.True(t, IsCancelled(fmt.Errorf("updating job: %w", Cancelled(7))))
	assert.False(t, IsCancelled(errors.New("boom")))
}

// TestValidationFailedAggregation tests multi-problem messages
func TestValidationFailedAggregation(t *testing.T) {
	err := ValidationFailed(
		"resource pool small is over-allocated",
		"job web references unknown network private",
	)

	assert.Contains(t, err.Error(), "over-allocated")
	assert.Contains(t, err.Error(), "unknown network")
}
