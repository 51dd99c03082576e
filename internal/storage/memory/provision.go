package memory

import (
	"context"

	"licensegate/internal/storage"
	"licensegate/pkg/contracts/domain"
)

var (
	_ storage.KeyDirectory = (*Store)(nil)
	_ storage.NonceStore   = (*Store)(nil)
	_ storage.CounterStore = (*Store)(nil)
	_ storage.Provisioner  = (*Store)(nil)
)

// UpsertProduct implements storage.Provisioner
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.PutProduct(p)
	return nil
}

// UpsertOwner implements storage.Provisioner
func (s *Store) UpsertOwner(ctx context.Context, o domain.Owner) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.PutOwner(o)
	return nil
}

// UpsertKey implements storage.Provisioner
func (s *Store) UpsertKey(ctx context.Context, rec domain.LicenseKeyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.PutKey(rec)
	return nil
}
