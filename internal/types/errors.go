package types

import "errors"

// Sentinel errors for trialmatch operations.
var (
	// ErrTrialNotFound indicates the criteria source has no rule set for a trial.
	ErrTrialNotFound = errors.New("trial not found")

	// ErrPatientNotFound indicates the phenotype source has no record for a patient.
	ErrPatientNotFound = errors.New("patient not found")

	// ErrUpstreamTimeout indicates an upstream call exceeded its deadline.
	// Retryable by the caller; never retried inside a match request.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamUnavailable indicates an upstream call failed or returned garbage.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrMalformedRule indicates a rule that can never be evaluated
	// (missing operands, unknown operator or category, bad arity).
	ErrMalformedRule = errors.New("malformed rule")

	// ErrNoValidPatients indicates none of the requested patients could be resolved.
	ErrNoValidPatients = errors.New("no valid patient data")

	// ErrCacheNotReady indicates the patient cache has no complete snapshot.
	ErrCacheNotReady = errors.New("patient cache not ready")

	// ErrLoadInProgress indicates a cache load is already running.
	ErrLoadInProgress = errors.New("cache load already in progress")

	// ErrNoPatients indicates patient discovery returned an empty population.
	ErrNoPatients = errors.New("no patients found")

	// ErrCoercionFailed indicates a value could not be coerced to a number.
	ErrCoercionFailed = errors.New("type coercion failed")

	// ErrFieldNotFound indicates a rule's field path could not be resolved.
	ErrFieldNotFound = errors.New("field not found")

	// ErrUnknownCategory indicates a rule category with no record section.
	ErrUnknownCategory = errors.New("unknown rule category")

	// ErrInvalidOption indicates an invalid match request option.
	ErrInvalidOption = errors.New("invalid option")
)
