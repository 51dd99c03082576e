package postgres

import (
	"context"
	"fmt"

	"licensegate/pkg/contracts/domain"
)

// UpsertProduct implements storage.Provisioner
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	secret, err := s.seal(p.Secret, p.ID)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO products (id, name, version, status, secret) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, version = EXCLUDED.version,
			status = EXCLUDED.status, secret = EXCLUDED.secret`,
		p.ID, p.Name, p.Version, string(p.Status), secret,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// UpsertOwner implements storage.Provisioner
func (s *Store) UpsertOwner(ctx context.Context, o domain.Owner) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, status) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		o.ID, string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpsertKey implements storage.Provisioner. A subscription is written as the
// key's order row.
func (s *Store) UpsertKey(ctx context.Context, rec domain.LicenseKeyRecord) error {
	secret, err := s.seal(rec.Secret, rec.ID)
	if err != nil {
		return err
	}

	var orderID *string
	if sub := rec.Subscription; sub != nil {
		_, err := s.db.Exec(ctx,
			`INSERT INTO orders (id, payment_status, ends_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET payment_status = EXCLUDED.payment_status, ends_at = EXCLUDED.ends_at`,
			sub.OrderID, sub.PaymentStatus, sub.EndsAt,
		)
		if err != nil {
			return fmt.Errorf("upsert order: %w", err)
		}
		orderID = &sub.OrderID
	}

	domains, ips := rec.AllowedDomains, rec.AllowedIPs
	if domains == nil {
		domains = []string{}
	}
	if ips == nil {
		ips = []string{}
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO license_keys
			(id, api_key, secret, status, product_id, user_id, order_id, allowed_domains, allowed_ips, max_requests_per_day)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET api_key = EXCLUDED.api_key, secret = EXCLUDED.secret,
			status = EXCLUDED.status, product_id = EXCLUDED.product_id, user_id = EXCLUDED.user_id,
			order_id = EXCLUDED.order_id, allowed_domains = EXCLUDED.allowed_domains,
			allowed_ips = EXCLUDED.allowed_ips, max_requests_per_day = EXCLUDED.max_requests_per_day`,
		rec.ID, rec.Key, secret, string(rec.Status), rec.ProductID, rec.UserID, orderID,
		domains, ips, rec.MaxRequestsPerDay,
	)
	if err != nil {
		return fmt.Errorf("upsert key: %w", err)
	}
	return nil
}

func (s *Store) seal(secret, id string) (string, error) {
	if s.sealer == nil {
		return secret, nil
	}
	sealed, err := s.sealer.Seal(secret, id)
	if err != nil {
		return "", fmt.Errorf("seal secret for %s: %w", id, err)
	}
	return sealed, nil
}
