package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/errors"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/util"
)

const (
	// Size limits
	MaxModelIDSize = 128
	MaxVersionSize = 64
	MaxTagCount    = 32
	MaxURLSize     = 4096
)

// Validator validates model cache requests
type Validator struct {
	maxModelIDSize  int
	requireChecksum bool
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{maxModelIDSize: MaxModelIDSize}
}

// NewValidatorWithChecksums creates a validator that rejects loads without an expected checksum
func NewValidatorWithChecksums(required bool) *Validator {
	return &Validator{maxModelIDSize: MaxModelIDSize, requireChecksum: required}
}

// ValidateLoadRequest validates a load request
func (v *Validator) ValidateLoadRequest(req model.LoadRequest) error {
	if err := v.ValidateModelID(req.ModelID); err != nil {
		return err
	}

	if len(req.Version) > MaxVersionSize {
		return errors.InvalidArgument(fmt.Sprintf("version exceeds maximum size of %d", MaxVersionSize), nil)
	}

	if req.URL != "" {
		if len(req.URL) > MaxURLSize {
			return errors.InvalidArgument("url too long", nil)
		}
		u, err := url.Parse(req.URL)
		if err != nil {
			return errors.InvalidArgument("invalid url", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.InvalidArgument(fmt.Sprintf("unsupported url scheme %q", u.Scheme), nil)
		}
	}

	if req.Checksum == "" {
		if v.requireChecksum {
			return errors.InvalidArgument("checksum is required when checksum verification is enabled", nil)
		}
	} else if _, err := util.ParseChecksum(req.Checksum); err != nil {
		return errors.InvalidArgument("invalid checksum", err)
	}

	if len(req.Tags) > MaxTagCount {
		return errors.InvalidArgument(fmt.Sprintf("too many tags: %d > %d", len(req.Tags), MaxTagCount), nil)
	}

	return nil
}

// ValidateModelID validates a model ID
func (v *Validator) ValidateModelID(id string) error {
	// Check if empty
	if id == "" {
		return errors.InvalidArgument("model ID cannot be empty", nil)
	}

	// Check size
	if len(id) > v.maxModelIDSize {
		return errors.InvalidArgument(fmt.Sprintf("model ID exceeds maximum size of %d bytes", v.maxModelIDSize), nil)
	}

	// IDs appear in URL paths and log lines
	if strings.ContainsAny(id, "/\\") {
		return errors.InvalidArgument("model ID cannot contain path separators", nil)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errors.InvalidArgument("model ID cannot contain control or space characters", nil)
		}
	}

	return nil
}

// ValidateMetadata validates metadata before it is persisted
func (v *Validator) ValidateMetadata(meta model.ModelMetadata) error {
	if err := v.ValidateModelID(meta.ID); err != nil {
		return err
	}
	if meta.SizeBytes < 0 {
		return errors.InvalidArgument("size cannot be negative", nil)
	}
	if meta.Checksum != "" {
		if _, err := util.ParseChecksum(meta.Checksum); err != nil {
			return errors.InvalidArgument("invalid checksum", err)
		}
	}
	return nil
}
