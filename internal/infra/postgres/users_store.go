package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/port"
)

// UserDirectory reads platform_users. Read-only: the identity subsystem owns the table.
type UserDirectory struct {
	db DBTX
}

var _ port.UserDirectory = (*UserDirectory)(nil)

// NewUserDirectory creates a directory over a pool or transaction.
func NewUserDirectory(db DBTX) *UserDirectory {
	return &UserDirectory{db: db}
}

func (d *UserDirectory) GetUser(ctx context.Context, userID int64) (*domain.PlatformUser, error) {
	query := `
		SELECT id, role, email, first_name, last_name, company_name
		FROM platform_users
		WHERE id = $1`

	u := &domain.PlatformUser{}
	var role string
	err := d.db.QueryRow(ctx, query, userID).Scan(
		&u.ID, &role, &u.Email, &u.FirstName, &u.LastName, &u.CompanyName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.ErrNotFound{Resource: "user", ID: strconv.FormatInt(userID, 10)}
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = domain.Role(role)
	return u, nil
}

// UpsertUser writes a platform user. Used by local seeding and tests only.
func (d *UserDirectory) UpsertUser(ctx context.Context, u *domain.PlatformUser) error {
	query := `
		INSERT INTO platform_users (id, role, email, first_name, last_name, company_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			email = EXCLUDED.email,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			company_name = EXCLUDED.company_name`

	if _, err := d.db.Exec(ctx, query,
		u.ID, string(u.Role), u.Email, u.FirstName, u.LastName, u.CompanyName,
	); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}
