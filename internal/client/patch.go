package client

import (
	"github.com/klauspost/compress/zstd"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/errors"
)

// patchDictID tags patch frames; the decoder only accepts frames carrying it.
const patchDictID = 1

// BuildPatch encodes target as a zstd frame that uses base as a raw
// dictionary. The result is small when target mostly repeats base.
func BuildPatch(base, target []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderDictRaw(patchDictID, base),
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, errors.InternalError("failed to create patch encoder", err)
	}
	defer enc.Close()
	return enc.EncodeAll(target, nil), nil
}

// ApplyPatch reverses BuildPatch. maxOutput bounds the patched size (0 = unlimited).
func ApplyPatch(base, patch []byte, maxOutput uint64) ([]byte, error) {
	opts := []zstd.DOption{
		zstd.WithDecoderDictRaw(patchDictID, base),
		zstd.WithDecoderConcurrency(1),
	}
	if maxOutput > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(maxOutput))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, errors.InternalError("failed to create patch decoder", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(patch, nil)
	if err != nil {
		return nil, errors.CorruptedData("failed to apply patch", err)
	}
	return out, nil
}
