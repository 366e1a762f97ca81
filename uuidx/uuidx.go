// Package uuidx contains a portable wrapper around github.com/m-lab/uuid.
package uuidx

import (
	"os"

	guuid "github.com/google/uuid"
)

// FromFile returns a string that is a globally unique identifier for the socket
// represented by the os.File pointer.
//
// On Linux we use github.com/m-lab/uuid. On other platforms, or when the
// kernel does not support SO_COOKIE, we fall back to a random UUID.
func FromFile(file *os.File) (string, error) {
	id, err := realFromFile(file)
	if err == nil {
		return id, nil
	}
	return New(), nil
}

// New returns a random identifier for connections that do not expose
// their file descriptor.
func New() string {
	return guuid.New().String()
}
