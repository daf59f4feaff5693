package session

import "fmt"

// Kinds of missing things reported by NotFoundError.
const (
	KindImage    = "image"
	KindArtifact = "artifact"
	KindSession  = "session"
)

// NotFoundError is returned when an image, artifact or session lookup misses.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}
