// Package uuid wraps identifier generation so callers can treat it as
// infallible.
package uuid

import (
	gouuid "github.com/hashicorp/go-uuid"
)

// Generate returns a random UUID string. It panics if the OS entropy
// source fails, which is not a recoverable condition.
func Generate() string {
	id, err := gouuid.GenerateUUID()
	if err != nil {
		panic(err)
	}
	return id
}
