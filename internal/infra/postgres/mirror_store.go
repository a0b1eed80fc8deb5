package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/port"
)

const mirrorColumns = `
	platform_user_id, external_account_id, account_kind, country,
	details_submitted, charges_enabled, payouts_enabled, is_fully_verified, payment_ready,
	currently_due, past_due, pending_verification, disabled_reason,
	protocol_version, version, last_reconciled_at, created_at, updated_at, account_generation`

// MirrorStore implements port.MirrorStore on the connected_account_mirrors table.
type MirrorStore struct {
	db DBTX
}

var _ port.MirrorStore = (*MirrorStore)(nil)

// NewMirrorStore creates a store over a pool or transaction.
func NewMirrorStore(db DBTX) *MirrorStore {
	return &MirrorStore{db: db}
}

func scanMirror(row pgx.Row) (*domain.ConnectedAccountMirror, error) {
	m := &domain.ConnectedAccountMirror{}
	var kind string
	err := row.Scan(
		&m.PlatformUserID, &m.ExternalAccountID, &kind, &m.Country,
		&m.DetailsSubmitted, &m.ChargesEnabled, &m.PayoutsEnabled, &m.IsFullyVerified, &m.PaymentReady,
		&m.Requirements.CurrentlyDue, &m.Requirements.PastDue, &m.Requirements.PendingVerification,
		&m.Requirements.DisabledReason,
		&m.ProtocolVersion, &m.Version, &m.LastReconciledAt, &m.CreatedAt, &m.UpdatedAt,
		&m.AccountGeneration,
	)
	if err != nil {
		return nil, err
	}
	m.AccountKind = domain.AccountKind(kind)
	m.Requirements = m.Requirements.Clone()
	return m, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *MirrorStore) GetMirror(ctx context.Context, userID int64) (*domain.ConnectedAccountMirror, error) {
	query := `SELECT` + mirrorColumns + ` FROM connected_account_mirrors WHERE platform_user_id = $1`

	m, err := scanMirror(s.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.ErrNotFound{Resource: "connected account mirror", ID: strconv.FormatInt(userID, 10)}
		}
		return nil, fmt.Errorf("get mirror: %w", err)
	}
	return m, nil
}

// InsertIfAbsent relies on the primary key: the losing writer's INSERT is a
// no-op and it reads back the winner's row.
func (s *MirrorStore) InsertIfAbsent(ctx context.Context, m *domain.ConnectedAccountMirror) (domain.EnsureResult, error) {
	query := `
		INSERT INTO connected_account_mirrors (
			platform_user_id, external_account_id, account_kind, country,
			currently_due, past_due, pending_verification, disabled_reason, protocol_version,
			account_generation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (platform_user_id) DO NOTHING
		RETURNING` + mirrorColumns

	created, err := scanMirror(s.db.QueryRow(ctx, query,
		m.PlatformUserID, m.ExternalAccountID, string(m.AccountKind), m.Country,
		nonNil(m.Requirements.CurrentlyDue), nonNil(m.Requirements.PastDue),
		nonNil(m.Requirements.PendingVerification), m.Requirements.DisabledReason,
		m.ProtocolVersion, m.AccountGeneration,
	))
	switch {
	case err == nil:
		return domain.EnsureResult{Outcome: domain.OutcomeCreated, Mirror: created}, nil
	case errors.Is(err, pgx.ErrNoRows):
		existing, gerr := s.GetMirror(ctx, m.PlatformUserID)
		if gerr != nil {
			return domain.EnsureResult{}, fmt.Errorf("read winning mirror: %w", gerr)
		}
		return domain.EnsureResult{Outcome: domain.OutcomeAlreadyExists, Mirror: existing}, nil
	case isUniqueViolation(err):
		return domain.EnsureResult{}, fmt.Errorf("external account %s already mirrored: %w", m.ExternalAccountID, err)
	case isCheckViolation(err):
		return domain.EnsureResult{}, &domain.ErrValidation{Field: "mirror", Message: err.Error()}
	default:
		return domain.EnsureResult{}, fmt.Errorf("insert mirror: %w", err)
	}
}

// ApplyReconciliation is a compare-and-swap on the version column.
func (s *MirrorStore) ApplyReconciliation(ctx context.Context, m *domain.ConnectedAccountMirror, expectedVersion int64) (*domain.ConnectedAccountMirror, error) {
	query := `
		UPDATE connected_account_mirrors SET
			details_submitted = $3,
			charges_enabled = $4,
			payouts_enabled = $5,
			is_fully_verified = $6,
			payment_ready = $7,
			currently_due = $8,
			past_due = $9,
			pending_verification = $10,
			disabled_reason = $11,
			protocol_version = $12,
			last_reconciled_at = $13,
			version = version + 1,
			updated_at = now()
		WHERE platform_user_id = $1 AND version = $2 AND external_account_id = $14
		RETURNING` + mirrorColumns

	var reconciledAt *time.Time
	if m.LastReconciledAt != nil {
		t := m.LastReconciledAt.UTC()
		reconciledAt = &t
	}

	updated, err := scanMirror(s.db.QueryRow(ctx, query,
		m.PlatformUserID, expectedVersion,
		m.DetailsSubmitted, m.ChargesEnabled, m.PayoutsEnabled, m.IsFullyVerified, m.PaymentReady,
		nonNil(m.Requirements.CurrentlyDue), nonNil(m.Requirements.PastDue),
		nonNil(m.Requirements.PendingVerification), m.Requirements.DisabledReason,
		m.ProtocolVersion, reconciledAt, m.ExternalAccountID,
	))
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, pgx.ErrNoRows):
		current, gerr := s.GetMirror(ctx, m.PlatformUserID)
		if gerr != nil {
			return nil, gerr
		}
		if current.ExternalAccountID != m.ExternalAccountID {
			return nil, fmt.Errorf("external account id is immutable (user %d)", m.PlatformUserID)
		}
		return nil, &domain.ErrVersionConflict{UserID: m.PlatformUserID, Expected: expectedVersion}
	case isCheckViolation(err):
		return nil, &domain.ErrValidation{Field: "mirror", Message: err.Error()}
	default:
		return nil, fmt.Errorf("apply reconciliation: %w", err)
	}
}

// RebindAccount swaps in the successor account and resets every derived flag.
// The generation trigger rejects any other change of external_account_id.
func (s *MirrorStore) RebindAccount(ctx context.Context, next *domain.ConnectedAccountMirror, previousAccountID string, expectedVersion int64) (*domain.ConnectedAccountMirror, error) {
	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}

	query := `
		UPDATE connected_account_mirrors SET
			external_account_id = $4,
			account_generation = $5,
			details_submitted = false,
			charges_enabled = false,
			payouts_enabled = false,
			is_fully_verified = false,
			payment_ready = false,
			currently_due = $6,
			past_due = $7,
			pending_verification = $8,
			disabled_reason = $9,
			protocol_version = $10,
			last_reconciled_at = NULL,
			version = version + 1,
			updated_at = now()
		WHERE platform_user_id = $1 AND version = $2 AND external_account_id = $3
		RETURNING` + mirrorColumns

	rebound, err := scanMirror(s.db.QueryRow(ctx, query,
		next.PlatformUserID, expectedVersion, previousAccountID,
		next.ExternalAccountID, next.AccountGeneration,
		nonNil(next.Requirements.CurrentlyDue), nonNil(next.Requirements.PastDue),
		nonNil(next.Requirements.PendingVerification), next.Requirements.DisabledReason,
		next.ProtocolVersion,
	))
	switch {
	case err == nil:
		return rebound, nil
	case errors.Is(err, pgx.ErrNoRows):
		if _, gerr := s.GetMirror(ctx, next.PlatformUserID); gerr != nil {
			return nil, gerr
		}
		return nil, &domain.ErrVersionConflict{UserID: next.PlatformUserID, Expected: expectedVersion}
	case isUniqueViolation(err):
		return nil, fmt.Errorf("external account %s already mirrored: %w", next.ExternalAccountID, err)
	case isCheckViolation(err):
		return nil, &domain.ErrValidation{Field: "mirror", Message: err.Error()}
	default:
		return nil, fmt.Errorf("rebind account: %w", err)
	}
}

// Ping checks the underlying pool when there is one.
func (s *MirrorStore) Ping(ctx context.Context) error {
	p, ok := s.db.(pingable)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return p.Ping(ctx)
}
