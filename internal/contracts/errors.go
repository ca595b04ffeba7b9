package contracts

import "errors"

// Error taxonomy shared by all engines.
//
// No-data conditions return empty results, not errors. Configuration
// errors abort the single call and are never retried. Infeasible
// optimizations surface as ErrInfeasible so callers with a fallback
// policy (scoring, backtest) can degrade to equal weight.
var (
	// ErrConfig marks configuration errors: bad option values, malformed
	// definitions.
	ErrConfig = errors.New("configuration error")

	// ErrUnknownFactor is returned when a factor id matches neither a
	// built-in transform nor a stored definition.
	ErrUnknownFactor = errors.New("unknown factor")

	// ErrUnknownModelFamily is returned for a model family outside the
	// closed set.
	ErrUnknownModelFamily = errors.New("unknown model family")

	// ErrUnknownMethod is returned for an unrecognized optimization,
	// scoring or ensemble method.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrModelNotFound is returned when predicting with a model id that
	// has no fitted artifact in the registry or on disk.
	ErrModelNotFound = errors.New("model not found")

	// ErrInfeasible is returned when an optimization problem has no
	// solution under the given constraints.
	ErrInfeasible = errors.New("optimization infeasible")

	// ErrNoData marks operations that cannot proceed because the
	// underlying records are entirely absent (distinct from an empty
	// cross-section, which yields an empty result).
	ErrNoData = errors.New("no data")
)

// Degradation records a fallback path taken instead of the primary
// computation. Results that carry degradations are still usable but must
// not be mistaken for primary output.
type Degradation struct {
	Code   string `json:"code"`   // e.g. "equal_weight_fallback", "latest_date_substitute"
	Detail string `json:"detail"` // human-readable note
}
