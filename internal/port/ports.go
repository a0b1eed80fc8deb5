// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
)

// MirrorStore persists ConnectedAccountMirror rows.
//
// Implementations MUST enforce uniqueness of PlatformUserID at the storage
// layer: InsertIfAbsent either creates the row or returns the existing one,
// never both and never an error for the "someone else won" case.
type MirrorStore interface {
	// GetMirror returns the mirror for a user, or *domain.ErrNotFound.
	GetMirror(ctx context.Context, userID int64) (*domain.ConnectedAccountMirror, error)

	// InsertIfAbsent is the atomic insert-or-fetch used by ensureAccount.
	InsertIfAbsent(ctx context.Context, m *domain.ConnectedAccountMirror) (domain.EnsureResult, error)

	// ApplyReconciliation writes a reconciled mirror if, and only if, the stored
	// version still equals expectedVersion. Otherwise *domain.ErrVersionConflict.
	ApplyReconciliation(ctx context.Context, m *domain.ConnectedAccountMirror, expectedVersion int64) (*domain.ConnectedAccountMirror, error)

	// RebindAccount replaces a provider account that no longer exists with
	// next, which must be previous.Rebound(newID). It applies only while the
	// stored row still holds previousAccountID at expectedVersion; otherwise
	// *domain.ErrVersionConflict. This is the only write that changes
	// ExternalAccountID.
	RebindAccount(ctx context.Context, next *domain.ConnectedAccountMirror, previousAccountID string, expectedVersion int64) (*domain.ConnectedAccountMirror, error)

	// Ping checks the backend is reachable (used by /readyz).
	Ping(ctx context.Context) error
}

// UserDirectory reads platform users owned by the identity subsystem.
type UserDirectory interface {
	GetUser(ctx context.Context, userID int64) (*domain.PlatformUser, error)
}

// CreateAccountRequest is the role-derived profile sent to the provider.
type CreateAccountRequest struct {
	PlatformUserID int64
	Kind           domain.AccountKind
	Country        string
	Email          string
	FirstName      string
	LastName       string
	CompanyName    string
	IdempotencyKey string
}

// PaymentProvider is the external payment-infrastructure API.
type PaymentProvider interface {
	CreateAccount(ctx context.Context, req *CreateAccountRequest) (*domain.RemoteAccount, error)
	GetAccount(ctx context.Context, accountID string) (*domain.RemoteAccount, error)
	CreateAccountSession(ctx context.Context, accountID string, components domain.ComponentSet) (*domain.OnboardingSession, error)
}

// Cache provides generic caching with TTL.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Delete(key K)
}

// Clock lets tests pin time.
type Clock func() time.Time
