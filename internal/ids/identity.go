package ids

import "github.com/google/uuid"

// Identity is a fixed instance fingerprint.
type Identity string

// NewIdentity returns a random identity for this process.
func NewIdentity() Identity {
	return Identity(uuid.NewString())
}

func (i Identity) ID() string { return string(i) }
