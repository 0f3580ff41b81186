package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("call: %w", New(KindRateLimit, "ernie", "slow down"))
	assert.ErrorIs(t, err, ErrRateLimit)
	assert.NotErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, KindRateLimit, KindOf(err))
	assert.Equal(t, "ernie: rate_limit_error: slow down", New(KindRateLimit, "ernie", "slow down").Error())
}

func TestFromStatus(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:        ErrAuthentication,
		http.StatusForbidden:           ErrPermissionDenied,
		http.StatusTooManyRequests:     ErrRateLimit,
		http.StatusBadRequest:          ErrBadRequest,
		http.StatusNotFound:            ErrBadRequest,
		http.StatusInternalServerError: ErrInternalServer,
		http.StatusServiceUnavailable:  ErrInternalServer,
	}
	for status, want := range cases {
		err := FromStatus("gemini", status, "", "boom")
		assert.ErrorIs(t, err, want, "status %d", status)
		assert.Equal(t, status, err.Status)
	}
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, KindAbort, KindOf(context.Canceled))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindInternalServer, KindOf(errors.New("x")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindRateLimit, "qwen", "")))
	assert.True(t, IsRetryable(New(KindConnection, "qwen", "")))
	assert.False(t, IsRetryable(New(KindAuthentication, "qwen", "")))
	assert.False(t, IsRetryable(New(KindAbort, "qwen", "")))
	assert.False(t, IsRetryable(nil))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(KindConnection, "spark", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "refused")
}
