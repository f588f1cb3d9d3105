package models

import "errors"

// Sentinel errors for the diagnosis pipeline. Backend-specific failures are
// absorbed by the arbiter whenever a usable alternative verdict exists; only
// these errors ever reach a caller.
var (
	// ErrInvalidImage marks payloads that do not decode to a usable raster
	// image. Caller's fault, not retryable.
	ErrInvalidImage = errors.New("invalid image payload")

	// ErrModelUnavailable means the local classifier could not be invoked at
	// all. Distinct from a low-confidence score: the model did not run.
	ErrModelUnavailable = errors.New("local model unavailable")

	// ErrRemoteTimeout marks an expired remote classification call.
	ErrRemoteTimeout = errors.New("remote classifier timed out")

	// ErrRemoteUnavailable marks transport or auth failure against the
	// remote classification service.
	ErrRemoteUnavailable = errors.New("remote classifier unavailable")

	// ErrRemoteParse marks a remote reply that could not be mapped into a
	// structured verdict.
	ErrRemoteParse = errors.New("remote reply not parseable")

	// ErrDiagnosisUnavailable means no backend produced a usable verdict.
	// Never converted into a Healthy result.
	ErrDiagnosisUnavailable = errors.New("no diagnosis backend available")

	// ErrOverloaded is the admission-control rejection for the bounded
	// inference pool. Retryable later by the caller.
	ErrOverloaded = errors.New("inference capacity exhausted")
)
