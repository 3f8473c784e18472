package room

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type ulidProvider struct{}

// NewULIDProvider constructs an IDProvider that issues lowercase ULIDs.
// They sort lexically by creation time, which keeps relay-issued ids in
// rough chronological order in logs and the mirror.
func NewULIDProvider() IDProvider {
	return &ulidProvider{}
}

func (p *ulidProvider) NewID() (string, error) {
	return strings.ToLower(ulid.Make().String()), nil
}
