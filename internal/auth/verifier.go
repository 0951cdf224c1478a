package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/costawatch/backend/internal/relay"
)

// AccountStore resolves accounts by id. The JWT alone is not trusted as
// proof of existence: a deleted account's unexpired token must not admit.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
}

// Account is a registered user of the platform.
type Account struct {
	ID    uuid.UUID
	Name  string
	Email string
	Role  string
}

// Verifier implements relay.ViewerAuthenticator: validate the token
// signature, then confirm the account still exists and pick up its current
// role.
type Verifier struct {
	jwt      *JWTService
	accounts AccountStore
}

// NewVerifier creates the viewer credential verifier.
func NewVerifier(jwt *JWTService, accounts AccountStore) *Verifier {
	return &Verifier{jwt: jwt, accounts: accounts}
}

// VerifyViewerToken validates a viewer bearer token and resolves its account.
func (v *Verifier) VerifyViewerToken(ctx context.Context, token string) (*relay.Account, error) {
	claims, err := v.jwt.Validate(token)
	if err != nil {
		return nil, relay.ErrBadCredentials
	}
	acct, err := v.accounts.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("account lookup: %w", err)
	}
	if acct == nil {
		return nil, relay.ErrBadCredentials
	}
	return &relay.Account{
		ID:   acct.ID.String(),
		Name: acct.Name,
		Role: acct.Role,
	}, nil
}
