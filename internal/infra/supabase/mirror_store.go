package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Connected-account mirrors via PostgREST
// ============================================================

var _ port.MirrorStore = (*Client)(nil)

// mirrorRow maps the connected_account_mirrors columns.
type mirrorRow struct {
	PlatformUserID      int64      `json:"platform_user_id"`
	ExternalAccountID   string     `json:"external_account_id"`
	AccountKind         string     `json:"account_kind"`
	Country             string     `json:"country"`
	DetailsSubmitted    bool       `json:"details_submitted"`
	ChargesEnabled      bool       `json:"charges_enabled"`
	PayoutsEnabled      bool       `json:"payouts_enabled"`
	IsFullyVerified     bool       `json:"is_fully_verified"`
	PaymentReady        bool       `json:"payment_ready"`
	CurrentlyDue        []string   `json:"currently_due"`
	PastDue             []string   `json:"past_due"`
	PendingVerification []string   `json:"pending_verification"`
	DisabledReason      *string    `json:"disabled_reason"`
	ProtocolVersion     string     `json:"protocol_version"`
	Version             int64      `json:"version"`
	LastReconciledAt    *time.Time `json:"last_reconciled_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	AccountGeneration   int        `json:"account_generation"`
}

func (r *mirrorRow) toDomain() *domain.ConnectedAccountMirror {
	m := &domain.ConnectedAccountMirror{
		PlatformUserID:    r.PlatformUserID,
		ExternalAccountID: r.ExternalAccountID,
		AccountKind:       domain.AccountKind(r.AccountKind),
		Country:           r.Country,
		DetailsSubmitted:  r.DetailsSubmitted,
		ChargesEnabled:    r.ChargesEnabled,
		PayoutsEnabled:    r.PayoutsEnabled,
		IsFullyVerified:   r.IsFullyVerified,
		PaymentReady:      r.PaymentReady,
		Requirements: domain.RequirementSet{
			CurrentlyDue:        r.CurrentlyDue,
			PastDue:             r.PastDue,
			PendingVerification: r.PendingVerification,
			DisabledReason:      r.DisabledReason,
		},
		ProtocolVersion:  r.ProtocolVersion,
		Version:          r.Version,
		LastReconciledAt: r.LastReconciledAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,

		AccountGeneration: r.AccountGeneration,
	}
	m.Requirements = m.Requirements.Clone()
	return m
}

func decodeMirrors(body []byte) ([]mirrorRow, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var rows []mirrorRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode mirrors: %w", err)
	}
	return rows, nil
}

func requirementColumns(m *domain.ConnectedAccountMirror) map[string]any {
	orEmpty := func(s []string) []string {
		if s == nil {
			return []string{}
		}
		return s
	}
	return map[string]any{
		"currently_due":        orEmpty(m.Requirements.CurrentlyDue),
		"past_due":             orEmpty(m.Requirements.PastDue),
		"pending_verification": orEmpty(m.Requirements.PendingVerification),
		"disabled_reason":      m.Requirements.DisabledReason,
	}
}

func (c *Client) GetMirror(ctx context.Context, userID int64) (*domain.ConnectedAccountMirror, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetMirror")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	var rows []mirrorRow
	err := c.execute(ctx, func() error {
		body, err := c.doRequest(ctx, http.MethodGet,
			fmt.Sprintf("connected_account_mirrors?platform_user_id=eq.%d&limit=1", userID))
		if err != nil {
			return err
		}
		rows, err = decodeMirrors(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "connected account mirror", ID: strconv.FormatInt(userID, 10)}
	}
	return rows[0].toDomain(), nil
}

// InsertIfAbsent posts with ignore-duplicates on the primary key; an empty
// representation means another writer won, so the stored row is read back.
func (c *Client) InsertIfAbsent(ctx context.Context, m *domain.ConnectedAccountMirror) (domain.EnsureResult, error) {
	ctx, span := tracer.Start(ctx, "Supabase.InsertIfAbsent")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", m.PlatformUserID))

	data := requirementColumns(m)
	data["platform_user_id"] = m.PlatformUserID
	data["external_account_id"] = m.ExternalAccountID
	data["account_kind"] = string(m.AccountKind)
	data["country"] = m.Country
	data["protocol_version"] = m.ProtocolVersion
	data["account_generation"] = m.AccountGeneration

	var rows []mirrorRow
	err := c.execute(ctx, func() error {
		body, err := c.doPost(ctx, "connected_account_mirrors?on_conflict=platform_user_id", data,
			"resolution=ignore-duplicates,return=representation")
		if err != nil {
			return err
		}
		rows, err = decodeMirrors(body)
		return err
	})
	if err != nil {
		switch sqlState(err) {
		case "23505":
			return domain.EnsureResult{}, fmt.Errorf("external account %s already mirrored: %w", m.ExternalAccountID, err)
		case "23514":
			return domain.EnsureResult{}, &domain.ErrValidation{Field: "mirror", Message: err.Error()}
		}
		return domain.EnsureResult{}, err
	}

	if len(rows) > 0 {
		return domain.EnsureResult{Outcome: domain.OutcomeCreated, Mirror: rows[0].toDomain()}, nil
	}

	existing, err := c.GetMirror(ctx, m.PlatformUserID)
	if err != nil {
		return domain.EnsureResult{}, fmt.Errorf("read winning mirror: %w", err)
	}
	return domain.EnsureResult{Outcome: domain.OutcomeAlreadyExists, Mirror: existing}, nil
}

// ApplyReconciliation patches only when version still matches.
func (c *Client) ApplyReconciliation(ctx context.Context, m *domain.ConnectedAccountMirror, expectedVersion int64) (*domain.ConnectedAccountMirror, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ApplyReconciliation")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", m.PlatformUserID),
		attribute.Int64("mirror.version", expectedVersion),
	)

	data := requirementColumns(m)
	data["details_submitted"] = m.DetailsSubmitted
	data["charges_enabled"] = m.ChargesEnabled
	data["payouts_enabled"] = m.PayoutsEnabled
	data["is_fully_verified"] = m.IsFullyVerified
	data["payment_ready"] = m.PaymentReady
	data["protocol_version"] = m.ProtocolVersion
	data["last_reconciled_at"] = m.LastReconciledAt
	data["version"] = expectedVersion + 1
	data["updated_at"] = time.Now().UTC()

	path := fmt.Sprintf("connected_account_mirrors?platform_user_id=eq.%d&version=eq.%d&external_account_id=eq.%s",
		m.PlatformUserID, expectedVersion, url.QueryEscape(m.ExternalAccountID))

	var rows []mirrorRow
	err := c.execute(ctx, func() error {
		body, err := c.doPatch(ctx, path, data)
		if err != nil {
			return err
		}
		rows, err = decodeMirrors(body)
		return err
	})
	if err != nil {
		if sqlState(err) == "23514" {
			return nil, &domain.ErrValidation{Field: "mirror", Message: err.Error()}
		}
		return nil, err
	}
	if len(rows) > 0 {
		return rows[0].toDomain(), nil
	}

	current, err := c.GetMirror(ctx, m.PlatformUserID)
	if err != nil {
		return nil, err
	}
	if current.ExternalAccountID != m.ExternalAccountID {
		return nil, fmt.Errorf("external account id is immutable (user %d)", m.PlatformUserID)
	}
	return nil, &domain.ErrVersionConflict{UserID: m.PlatformUserID, Expected: expectedVersion}
}

// RebindAccount patches in the successor account, filtered on the previous id
// and version so a concurrent re-bind or reconciliation wins cleanly.
func (c *Client) RebindAccount(ctx context.Context, next *domain.ConnectedAccountMirror, previousAccountID string, expectedVersion int64) (*domain.ConnectedAccountMirror, error) {
	ctx, span := tracer.Start(ctx, "Supabase.RebindAccount")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", next.PlatformUserID),
		attribute.Int64("mirror.version", expectedVersion),
		attribute.Int("account.generation", next.AccountGeneration),
	)

	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}

	data := requirementColumns(next)
	data["external_account_id"] = next.ExternalAccountID
	data["account_generation"] = next.AccountGeneration
	data["details_submitted"] = false
	data["charges_enabled"] = false
	data["payouts_enabled"] = false
	data["is_fully_verified"] = false
	data["payment_ready"] = false
	data["protocol_version"] = next.ProtocolVersion
	data["last_reconciled_at"] = nil
	data["version"] = expectedVersion + 1
	data["updated_at"] = time.Now().UTC()

	path := fmt.Sprintf("connected_account_mirrors?platform_user_id=eq.%d&version=eq.%d&external_account_id=eq.%s",
		next.PlatformUserID, expectedVersion, url.QueryEscape(previousAccountID))

	var rows []mirrorRow
	err := c.execute(ctx, func() error {
		body, err := c.doPatch(ctx, path, data)
		if err != nil {
			return err
		}
		rows, err = decodeMirrors(body)
		return err
	})
	if err != nil {
		switch sqlState(err) {
		case "23505":
			return nil, fmt.Errorf("external account %s already mirrored: %w", next.ExternalAccountID, err)
		case "23514":
			return nil, &domain.ErrValidation{Field: "mirror", Message: err.Error()}
		}
		return nil, err
	}
	if len(rows) > 0 {
		return rows[0].toDomain(), nil
	}

	if _, err := c.GetMirror(ctx, next.PlatformUserID); err != nil {
		return nil, err
	}
	return nil, &domain.ErrVersionConflict{UserID: next.PlatformUserID, Expected: expectedVersion}
}
