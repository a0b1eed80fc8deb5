package memstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/memstore"
)

func TestInsertIfAbsent_FirstWins(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	first, err := s.InsertIfAbsent(ctx, domain.NewMirror(1, "acct_a", domain.AccountKindIndividual, "US"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !first.Created() || first.Mirror.Version != 1 {
		t.Fatalf("expected Created at version 1, got %+v", first)
	}

	second, err := s.InsertIfAbsent(ctx, domain.NewMirror(1, "acct_b", domain.AccountKindIndividual, "US"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if second.Created() {
		t.Error("expected AlreadyExists for second insert")
	}
	if second.AccountID() != "acct_a" {
		t.Errorf("expected winner acct_a, got %s", second.AccountID())
	}
}

func TestInsertIfAbsent_ConcurrentSingleRow(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]domain.EnsureResult, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := domain.NewMirror(9, "acct_"+string(rune('a'+i)), domain.AccountKindCompany, "DE")
			r, err := s.InsertIfAbsent(ctx, m)
			if err != nil {
				t.Errorf("insert %d: %v", i, err)
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	created := 0
	ids := map[string]bool{}
	for _, r := range results {
		if r.Created() {
			created++
		}
		ids[r.AccountID()] = true
	}
	if created != 1 {
		t.Errorf("expected exactly 1 Created, got %d", created)
	}
	if len(ids) != 1 {
		t.Errorf("expected every caller to see one account id, got %v", ids)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 mirror, got %d", s.Len())
	}
}

func TestInsertIfAbsent_ExternalIDUnique(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	if _, err := s.InsertIfAbsent(ctx, domain.NewMirror(1, "acct_a", domain.AccountKindIndividual, "US")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := s.InsertIfAbsent(ctx, domain.NewMirror(2, "acct_a", domain.AccountKindIndividual, "US")); err == nil {
		t.Error("expected duplicate external account id to be rejected")
	}
}

func TestApplyReconciliation_OptimisticVersion(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	res, _ := s.InsertIfAbsent(ctx, domain.NewMirror(1, "acct_a", domain.AccountKindIndividual, "US"))

	next := res.Mirror.Clone()
	next.DetailsSubmitted = true
	updated, err := s.ApplyReconciliation(ctx, next, res.Mirror.Version)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}

	_, err = s.ApplyReconciliation(ctx, next, res.Mirror.Version)
	var conflict *domain.ErrVersionConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ErrVersionConflict on stale version, got %v", err)
	}
}

func TestApplyReconciliation_RejectsInvalidPromotion(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	res, _ := s.InsertIfAbsent(ctx, domain.NewMirror(1, "acct_a", domain.AccountKindIndividual, "US"))

	bad := res.Mirror.Clone()
	bad.PaymentReady = true
	if _, err := s.ApplyReconciliation(ctx, bad, res.Mirror.Version); err == nil {
		t.Fatal("expected invalid promotion to be rejected")
	}

	stored, _ := s.GetMirror(ctx, 1)
	if stored.PaymentReady || stored.Version != 1 {
		t.Errorf("expected stored mirror untouched, got %+v", stored)
	}
}

func TestApplyReconciliation_ExternalIDImmutable(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	res, _ := s.InsertIfAbsent(ctx, domain.NewMirror(1, "acct_a", domain.AccountKindIndividual, "US"))

	moved := res.Mirror.Clone()
	moved.ExternalAccountID = "acct_b"
	if _, err := s.ApplyReconciliation(ctx, moved, res.Mirror.Version); err == nil {
		t.Error("expected external account id change to be rejected")
	}
}

func TestGetMirror_NotFoundAndIsolation(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	_, err := s.GetMirror(ctx, 404)
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, _ = s.InsertIfAbsent(ctx, domain.NewMirror(1, "acct_a", domain.AccountKindIndividual, "US"))
	got, _ := s.GetMirror(ctx, 1)
	got.Requirements.CurrentlyDue = append(got.Requirements.CurrentlyDue, "mutated")

	again, _ := s.GetMirror(ctx, 1)
	if len(again.Requirements.CurrentlyDue) != 0 {
		t.Errorf("expected callers not to share slices with the store, got %v", again.Requirements.CurrentlyDue)
	}
}

func TestGetUser(t *testing.T) {
	s := memstore.New()
	s.PutUser(&domain.PlatformUser{ID: 5, Role: domain.RoleBusiness, Email: "ops@acme.test", CompanyName: "Acme"})

	u, err := s.GetUser(context.Background(), 5)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if u.CompanyName != "Acme" {
		t.Errorf("expected Acme, got %s", u.CompanyName)
	}

	if _, err := s.GetUser(context.Background(), 6); err == nil {
		t.Error("expected ErrNotFound for unknown user")
	}
}

func TestRebindAccount(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	res, _ := s.InsertIfAbsent(ctx, domain.NewMirror(1, "acct_a", domain.AccountKindIndividual, "US"))

	rebound, err := s.RebindAccount(ctx, res.Mirror.Rebound("acct_b"), "acct_a", res.Mirror.Version)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rebound.ExternalAccountID != "acct_b" || rebound.AccountGeneration != 1 || rebound.Version != 2 {
		t.Errorf("expected acct_b at generation 1, version 2, got %+v", rebound)
	}
	if !rebound.CreatedAt.Equal(res.Mirror.CreatedAt) {
		t.Error("expected CreatedAt preserved across a re-bind")
	}

	// The released id may be mirrored again; the new one may not.
	if _, err := s.InsertIfAbsent(ctx, domain.NewMirror(2, "acct_a", domain.AccountKindIndividual, "US")); err != nil {
		t.Errorf("expected released id to be free, got %v", err)
	}
	if _, err := s.InsertIfAbsent(ctx, domain.NewMirror(3, "acct_b", domain.AccountKindIndividual, "US")); err == nil {
		t.Error("expected the re-bound id to be taken")
	}
}

func TestRebindAccount_Guards(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		next     func(m *domain.ConnectedAccountMirror) *domain.ConnectedAccountMirror
		previous string
		version  int64
		conflict bool
	}{
		{"stale version", func(m *domain.ConnectedAccountMirror) *domain.ConnectedAccountMirror { return m.Rebound("acct_b") }, "acct_a", 7, true},
		{"already re-bound", func(m *domain.ConnectedAccountMirror) *domain.ConnectedAccountMirror { return m.Rebound("acct_b") }, "acct_x", 1, true},
		{"generation not advanced", func(m *domain.ConnectedAccountMirror) *domain.ConnectedAccountMirror {
			next := m.Rebound("acct_b")
			next.AccountGeneration = 0
			return next
		}, "acct_a", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memstore.New()
			res, _ := s.InsertIfAbsent(ctx, domain.NewMirror(1, "acct_a", domain.AccountKindIndividual, "US"))

			_, err := s.RebindAccount(ctx, tt.next(res.Mirror), tt.previous, tt.version)
			if err == nil {
				t.Fatal("expected re-bind to be rejected")
			}
			var conflict *domain.ErrVersionConflict
			if errors.As(err, &conflict) != tt.conflict {
				t.Errorf("expected conflict=%v, got %v", tt.conflict, err)
			}
			stored, _ := s.GetMirror(ctx, 1)
			if stored.ExternalAccountID != "acct_a" || stored.Version != 1 {
				t.Errorf("expected mirror untouched, got %+v", stored)
			}
		})
	}
}
