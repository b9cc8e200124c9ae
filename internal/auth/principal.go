package auth

import (
	"context"
	"time"
)

// Credentials are the delegated provider credentials presented with a request.
type Credentials struct {
	AccessToken string
	Expiry      time.Time
}

func (c Credentials) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// Principal is the authenticated caller. Services take it as an explicit
// argument; only a verified token produces one.
type Principal struct {
	ID          string
	Email       string
	Credentials Credentials
}

func (p Principal) Valid() bool {
	return p.ID != ""
}

type key int

const principalKey key = 0

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || !p.Valid() {
		return Principal{}, false
	}
	return p, true
}
