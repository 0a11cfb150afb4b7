package server

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ClearLedger/internal/errs"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
		wantErr  string
	}{
		{"validation", fmt.Errorf("%w: bad", errs.ErrInvalidAmount), codes.InvalidArgument, "InvalidAmount"},
		{"authorization", errs.ErrUnauthorized, codes.PermissionDenied, "Unauthorized"},
		{"state", errs.ErrCapExceeded, codes.FailedPrecondition, "CapExceeded"},
		{"duplicate", fmt.Errorf("wrap: %w", errs.ErrDuplicateOperation), codes.AlreadyExists, "DuplicateOperation"},
		{"unknown account", errs.ErrUnknownAccount, codes.NotFound, "UnknownAccount"},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded, "DeadlineExceeded"},
		{"grpc status", status.Error(codes.Unavailable, "down"), codes.Unavailable, "Unavailable"},
		{"internal", errors.New("pq: connection refused"), codes.Internal, "Internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, code := toStatus(tt.err)
			assert.Equal(t, tt.wantCode, st.Code())
			assert.Equal(t, tt.wantErr, code)
		})
	}
}

func TestToStatusHidesInternalDetail(t *testing.T) {
	st, _ := toStatus(errors.New("pq: password authentication failed"))
	assert.Equal(t, "internal error", st.Message())
}
