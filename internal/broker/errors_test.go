package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error 500", &APIError{Status: 500, Body: "internal"}, true},
		{"bad gateway 502", &APIError{Status: 502, Body: "upstream"}, true},
		{"throttled 429", &APIError{Status: 429, Body: "slow down"}, true},
		{"bad request 400", &APIError{Status: 400, Body: "bad params"}, false},
		{"not found 404", &APIError{Status: 404, Body: "missing"}, false},
		{"wrapped 503", fmt.Errorf("quotes: %w", &APIError{Status: 503, Body: ""}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"circuit open", ErrCircuitOpen, false},
		{"auth failed", ErrAuthFailed, false},
		{"order rejected", ErrOrderRejected, false},
		{"insufficient margin", ErrInsufficientMargin, false},
		{"token not found", ErrTokenNotFound, false},
		{"connection refused string", errors.New("dial tcp 10.0.0.1:443: connection refused"), true},
		{"dns string", errors.New("lookup api.example.in: dns failure"), true},
		{"unexpected eof", errors.New("unexpected EOF"), true},
		{"plain business error", errors.New("symbol disallowed"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestIsPermanentAPIError(t *testing.T) {
	assert.True(t, IsPermanentAPIError(&APIError{Status: 403, Body: "forbidden"}))
	assert.True(t, IsPermanentAPIError(fmt.Errorf("wrapped: %w", &APIError{Status: 422, Body: ""})))
	assert.False(t, IsPermanentAPIError(&APIError{Status: 429, Body: ""}))
	assert.False(t, IsPermanentAPIError(&APIError{Status: 500, Body: ""}))
	assert.False(t, IsPermanentAPIError(errors.New("not an api error")))
}
