package user

import (
	"context"
	"time"
)

type ID string

// Identity is a stable subscriber identity. The public key is an opaque
// string the server never inspects; clients use it for key wrapping.
type Identity struct {
	ID           ID
	Username     string
	PasswordHash string
	PublicKey    string
	CreatedAt    time.Time
}

type Repository interface {
	Create(ctx context.Context, ident Identity) error
	GetByID(ctx context.Context, id ID) (Identity, error)
	GetByUsername(ctx context.Context, username string) (Identity, error)
	// ListIDs returns every known identity id. Recipient resolution at send
	// time uses the full set rather than a contact list.
	ListIDs(ctx context.Context) ([]ID, error)
}
