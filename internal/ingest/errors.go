package ingest

import (
	"errors"
	"fmt"
)

// ErrBuildInProgress rejects a build or refresh while another one runs.
var ErrBuildInProgress = errors.New("index build already in progress")

// ExtractError records one object that could not be extracted. Builds
// count and skip these.
type ExtractError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.Path, e.Reason)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// BuildError aborts one build attempt. The published catalog is left as
// it was.
type BuildError struct {
	Reason string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build failed: %s: %v", e.Reason, e.Err)
	}
	return "build failed: " + e.Reason
}

func (e *BuildError) Unwrap() error { return e.Err }
