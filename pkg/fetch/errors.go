package fetch

import (
	"errors"
	"fmt"
)

// ErrMissingArtifact indicates the required weight file is absent after
// the fetch stage completed. This is fatal and never retried.
var ErrMissingArtifact = errors.New("required weight file missing after fetch")

// FetchError reports a failed version-control or file-sync operation
// while acquiring the source model.
type FetchError struct {
	// Model is the model name being fetched.
	Model string
	// Op is the operation that failed: "clone", "pull", "lfs-pull" or
	// "sync".
	Op string
	// Err is the underlying error, typically a *command.ExitError
	// carrying the command line and output tail.
	Err error
}

// Error implements error.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching model %s: %s failed: %v", e.Model, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}
