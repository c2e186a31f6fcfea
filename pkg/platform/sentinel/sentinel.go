package sentinel

import "errors"

// Infrastructure facts returned (usually wrapped) by the stores and the search
// adapter. The processor reads the attached domain-error code to decide between
// retry, unwind and dead-letter; these only record what the backend said.
//
// - ErrNotFound: no record or version with that identity
// - ErrConflict: a unique key or optimistic version check was violated
// - ErrUnavailable: the backend could not be reached or refused service
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
