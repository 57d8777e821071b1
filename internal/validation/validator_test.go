package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/errors"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/util"
)

func TestValidateModelID(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"mobilenet-v2", false},
		{"whisper.tiny_en", false},
		{"", true},
		{"org/model", true},
		{"has space", true},
		{"ctrl\x00", true},
		{strings.Repeat("a", MaxModelIDSize+1), true},
	}
	for _, tt := range tests {
		err := v.ValidateModelID(tt.id)
		if tt.wantErr {
			assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err), "id %q", tt.id)
		} else {
			assert.NoError(t, err, "id %q", tt.id)
		}
	}
}

func TestValidateLoadRequest(t *testing.T) {
	sum := util.ComputeChecksum([]byte("x"))
	tests := []struct {
		name     string
		req      model.LoadRequest
		required bool
		wantErr  bool
	}{
		{"minimal", model.LoadRequest{ModelID: "m"}, false, false},
		{"full", model.LoadRequest{ModelID: "m", URL: "https://cdn.example.com/m.bin", Version: "v1", Checksum: sum}, true, false},
		{"bare hex checksum", model.LoadRequest{ModelID: "m", Checksum: strings.TrimPrefix(sum, "sha256:")}, false, false},
		{"missing required checksum", model.LoadRequest{ModelID: "m"}, true, true},
		{"bad checksum", model.LoadRequest{ModelID: "m", Checksum: "sha256:zz"}, false, true},
		{"bad scheme", model.LoadRequest{ModelID: "m", URL: "ftp://host/m"}, false, true},
		{"long version", model.LoadRequest{ModelID: "m", Version: strings.Repeat("1", MaxVersionSize+1)}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewValidatorWithChecksums(tt.required).ValidateLoadRequest(tt.req)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateMetadata(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateMetadata(model.ModelMetadata{ID: "m", SizeBytes: 10}))
	assert.Error(t, v.ValidateMetadata(model.ModelMetadata{ID: "m", SizeBytes: -1}))
	assert.Error(t, v.ValidateMetadata(model.ModelMetadata{ID: "m", Checksum: "md5:abc"}))
}
