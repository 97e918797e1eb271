package delivery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.FailureCategory
	}{
		{"transient", Transient(503, "down"), domain.FailureTransient},
		{"rejection", Rejection(403, "forbidden"), domain.FailureRejection},
		{"data", DataError("no address"), domain.FailureData},
		{"ambiguous", Ambiguous(200, "no message id"), domain.FailureAmbiguous},
		{"wrapped", fmt.Errorf("send: %w", Rejection(401, "auth")), domain.FailureRejection},
		{"plain error", errors.New("boom"), domain.FailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestError_IsRetryable(t *testing.T) {
	assert.True(t, Transient(0, "x").IsRetryable())
	assert.True(t, Rejection(0, "x").IsRetryable())
	assert.True(t, Ambiguous(0, "x").IsRetryable())
	assert.False(t, DataError("x").IsRetryable())
}

func TestError_Error(t *testing.T) {
	assert.Equal(t, "transient delivery error (code 503): down", Transient(503, "down").Error())
	assert.Equal(t, "data delivery error: no address", DataError("no address").Error())
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid", Request{Recipient: "a@b.com", Subject: "s", Body: "b"}, false},
		{"no recipient", Request{Subject: "s", Body: "b"}, true},
		{"no subject", Request{Recipient: "a@b.com", Body: "b"}, true},
		{"no body", Request{Recipient: "a@b.com", Subject: "s"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Equal(t, domain.FailureData, CategoryOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}
