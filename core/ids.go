package core

import "github.com/google/uuid"

// NewID returns a prefixed, globally unique identifier, e.g. "task-<uuid>".
// Every entity in the system (task, assignment, routing decision, session,
// verdict, precedent, event) is identified this way.
func NewID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}
