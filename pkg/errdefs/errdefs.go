// Package errdefs defines the error kinds reported by the model packages.
//
// Failures are always wrapped with context, so callers match them with
// errors.Is:
//
//	if errors.Is(err, errdefs.ErrShape) { ... }
package errdefs

import "errors"

var (
	// ErrConfiguration reports an invalid model configuration. It is raised
	// at construction time, before any parameters are allocated.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrShape reports an input whose dimensions do not fit the model:
	// sequences longer than the block size, out-of-range token ids, ragged
	// batches or mismatched parameter shapes on import.
	ErrShape = errors.New("shape mismatch")

	// ErrNumericPolicy reports a decoding parameter outside its legal range,
	// such as a non-positive temperature or top-k.
	ErrNumericPolicy = errors.New("numeric policy violation")
)
