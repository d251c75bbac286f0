// Package requestid mints the correlation ids stamped on every request.
package requestid

import "github.com/google/uuid"

// New returns a fresh request id. Random UUIDs keep ids unguessable so a
// client cannot collide with another request's audit trail.
func New() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
