// Package users implements the User Store: stable
// get_or_create across identifier types, with the normalization rules of
// the identifier types below.
package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/dowhiz/internal/envelope"
	"github.com/nextlevelbuilder/dowhiz/internal/ingest"
)

// Store is the User Store contract. get_or_create must be stable and safe
// under concurrent first-calls for the same identifier.
type Store interface {
	GetOrCreate(ctx context.Context, id envelope.Identifier) (userID uuid.UUID, err error)
}

// Normalize applies the normalization rule for the given identifier
// type. Channels already normalize at parse time (internal/ingest); this is
// the single point of truth the store re-applies defensively.
func Normalize(id envelope.Identifier) envelope.Identifier {
	switch id.Type {
	case envelope.IdentifierEmail:
		return envelope.Identifier{Type: id.Type, Value: ingest.NormalizeEmail(id.Value)}
	case envelope.IdentifierPhone:
		return envelope.Identifier{Type: id.Type, Value: ingest.NormalizePhone(id.Value)}
	case envelope.IdentifierSlackUser, envelope.IdentifierDiscordUser:
		return envelope.Identifier{Type: id.Type, Value: strings.ToUpper(id.Value)}
	default:
		return id
	}
}

func validate(id envelope.Identifier) error {
	if id.Value == "" {
		return fmt.Errorf("users: empty identifier value for type %s", id.Type)
	}
	return nil
}
