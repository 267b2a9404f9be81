package backend

import "fmt"

// ImagePullError is returned by Spawn when the backend cannot obtain the
// requested image.
type ImagePullError struct {
	Image string
	Err   error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("image pull error for %s: %v", e.Image, e.Err)
}
func (e *ImagePullError) Unwrap() error { return e.Err }

// SpawnError is returned by Spawn when the backend cannot create the job
// (container creation, pod/Job creation).
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn error: %v", e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// UnavailableError is returned by Spawn when the backend cannot be reached
// at all, and by RateLimited when the context ends before a spawn is
// admitted. The Dispatcher fails the affected stage on it like any other
// spawn error; the spawn is not retried.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string { return fmt.Sprintf("backend unavailable: %v", e.Err) }
func (e *UnavailableError) Unwrap() error { return e.Err }
