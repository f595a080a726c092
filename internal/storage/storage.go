package storage

import (
	"context"
	"errors"

	"github.com/couriermsg/courier/internal/message"
	"github.com/couriermsg/courier/internal/user"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Identities() user.Repository
	Messages() message.Store
}
