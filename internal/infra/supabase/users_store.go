package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
)

var _ port.UserDirectory = (*Client)(nil)

// GetUser reads a platform user. The identity subsystem owns the table.
func (c *Client) GetUser(ctx context.Context, userID int64) (*domain.PlatformUser, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetUser")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	var users []domain.PlatformUser
	err := c.execute(ctx, func() error {
		path := fmt.Sprintf("platform_users?id=eq.%d&select=id,role,email,first_name,last_name,company_name&limit=1", userID)
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		if body == nil {
			users = nil
			return nil
		}
		if err := json.Unmarshal(body, &users); err != nil {
			return fmt.Errorf("decode user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, &domain.ErrNotFound{Resource: "user", ID: strconv.FormatInt(userID, 10)}
	}
	return &users[0], nil
}
