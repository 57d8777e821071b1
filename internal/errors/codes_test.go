package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelError_WrapsCause(t *testing.T) {
	err := IOFailure("write blob", io.ErrShortWrite)

	assert.Equal(t, "write blob: short write", err.Error())
	assert.True(t, stderrors.Is(err, io.ErrShortWrite))
	assert.True(t, stderrors.Is(err, ErrIOFailure))
	assert.False(t, stderrors.Is(err, ErrNetworkFailure))
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ErrCodeOK},
		{"plain error", io.EOF, ErrCodeInternal},
		{"direct", DuplicateLoad("m"), ErrCodeDuplicateLoad},
		{"wrapped", fmt.Errorf("outer: %w", CodecUnavailable("lz4")), ErrCodeCodecUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetCode(tt.err))
		})
	}
}

func TestGetStage(t *testing.T) {
	err := ChecksumFailed("sha256:aa", "sha256:bb").WithStage(model.StageNetwork)
	wrapped := fmt.Errorf("load: %w", err)

	assert.Equal(t, model.StageNetwork, GetStage(wrapped))
	assert.Equal(t, model.StageNone, GetStage(io.EOF))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidArgument("bad", nil), http.StatusBadRequest},
		{NotFound("m"), http.StatusNotFound},
		{DuplicateLoad("m"), http.StatusConflict},
		{Overloaded(4, 4), http.StatusTooManyRequests},
		{ChecksumFailed("a", "b"), http.StatusUnprocessableEntity},
		{CodecUnavailable("lz4"), http.StatusNotImplemented},
		{NetworkFailure("http://x", io.EOF), http.StatusBadGateway},
		{QuotaExceeded("only pinned entries remain", 10, 5, 1, 1), http.StatusInsufficientStorage},
		{io.EOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "error: %v", tt.err)
	}
}

func TestWithDetail(t *testing.T) {
	err := Overloaded(3, 3)
	require.Contains(t, err.Details, "limit")
	assert.Equal(t, 3, err.Details["limit"])
	assert.True(t, IsModelError(fmt.Errorf("x: %w", err)))
	assert.True(t, IsCode(err, ErrCodeOverloaded))
	assert.Equal(t, "overloaded", ErrCodeOverloaded.String())
}

func TestQuotaExceeded_Message(t *testing.T) {
	tests := []struct {
		name      string
		err       *ModelError
		want      string
		notWanted string
	}{
		{
			name: "both quotas",
			err:  QuotaExceeded("only pinned entries remain", 300, 200, 3, 2),
			want: "storage quota exceeded: only pinned entries remain (300/200 bytes, 3/2 models)",
		},
		{
			name:      "count quota disabled",
			err:       QuotaExceeded("entry of 200 bytes is larger than the byte quota", 200, 150, 1, 0),
			want:      "storage quota exceeded: entry of 200 bytes is larger than the byte quota (200/150 bytes)",
			notWanted: "models",
		},
		{
			name: "no quotas",
			err:  QuotaExceeded("only pinned entries remain", 10, 0, 1, 0),
			want: "storage quota exceeded: only pinned entries remain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			if tt.notWanted != "" {
				assert.NotContains(t, tt.err.Error(), tt.notWanted)
			}
			assert.Equal(t, ErrCodeQuotaExceeded, tt.err.Code)
		})
	}
}
