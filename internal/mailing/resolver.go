package mailing

import (
	"context"
	"fmt"
)

type UserLister interface {
	ActiveUserIDs(ctx context.Context) ([]int64, error)
	AdminUserIDs(ctx context.Context) ([]int64, error)
}

// Resolver computes who receives a mailing of a given type.
type Resolver struct {
	users UserLister
}

func NewResolver(users UserLister) *Resolver {
	return &Resolver{users: users}
}

// Resolve returns non-blocked admins for test mailings and every non-blocked
// user otherwise. An empty result is not an error.
func (r *Resolver) Resolve(ctx context.Context, t Type) ([]int64, error) {
	var (
		ids []int64
		err error
	)
	if t == TypeTest {
		ids, err = r.users.AdminUserIDs(ctx)
	} else {
		ids, err = r.users.ActiveUserIDs(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve recipients for %s: %w", t, err)
	}
	return ids, nil
}
