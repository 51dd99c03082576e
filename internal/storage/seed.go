package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"licensegate/pkg/contracts/domain"
)

// Provisioner is implemented by directories that can be written to.
// Admin CRUD is out of scope; this exists for bootstrap seeding.
type Provisioner interface {
	UpsertProduct(ctx context.Context, p domain.Product) error
	UpsertOwner(ctx context.Context, o domain.Owner) error
	UpsertKey(ctx context.Context, rec domain.LicenseKeyRecord) error
}

// Seed is the YAML document used to bootstrap a key directory
type Seed struct {
	Products []SeedProduct `yaml:"products"`
	Users    []SeedUser    `yaml:"users"`
	Keys     []SeedKey     `yaml:"keys"`
}

// SeedProduct is a product entry
type SeedProduct struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Status  string `yaml:"status"`
	Secret  string `yaml:"secret"`
}

// SeedUser is a key owner entry
type SeedUser struct {
	ID     string `yaml:"id"`
	Status string `yaml:"status"`
}

// SeedKey is a license key entry. EndsAt uses RFC 3339.
type SeedKey struct {
	ID                string   `yaml:"id"`
	Key               string   `yaml:"key"`
	Secret            string   `yaml:"secret"`
	Status            string   `yaml:"status"`
	ProductID         string   `yaml:"product_id"`
	UserID            string   `yaml:"user_id"`
	AllowedDomains    []string `yaml:"allowed_domains"`
	AllowedIPs        []string `yaml:"allowed_ips"`
	MaxRequestsPerDay int      `yaml:"max_requests_per_day"`
	PaymentStatus     string   `yaml:"payment_status"`
	EndsAt            string   `yaml:"ends_at"`
}

// LoadSeed reads and parses a seed file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses a seed document and checks its references
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	if err := seed.validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (s *Seed) validate() error {
	products := make(map[string]bool, len(s.Products))
	for _, p := range s.Products {
		if p.ID == "" || p.Secret == "" {
			return fmt.Errorf("seed product %q: id and secret are required", p.ID)
		}
		products[p.ID] = true
	}
	users := make(map[string]bool, len(s.Users))
	for _, u := range s.Users {
		if u.ID == "" {
			return fmt.Errorf("seed user: id is required")
		}
		users[u.ID] = true
	}
	for _, k := range s.Keys {
		if k.ID == "" || k.Key == "" || k.Secret == "" {
			return fmt.Errorf("seed key %q: id, key and secret are required", k.ID)
		}
		if !products[k.ProductID] {
			return fmt.Errorf("seed key %q: unknown product %q", k.ID, k.ProductID)
		}
		if !users[k.UserID] {
			return fmt.Errorf("seed key %q: unknown user %q", k.ID, k.UserID)
		}
		if k.Status != "" && !domain.KeyStatus(k.Status).IsValid() {
			return fmt.Errorf("seed key %q: unknown status %q", k.ID, k.Status)
		}
		if k.EndsAt != "" {
			if _, err := time.Parse(time.RFC3339, k.EndsAt); err != nil {
				return fmt.Errorf("seed key %q: invalid ends_at: %w", k.ID, err)
			}
		}
	}
	return nil
}

// Records converts the seed into domain records, applying defaults
func (s *Seed) Records() ([]domain.Product, []domain.Owner, []domain.LicenseKeyRecord) {
	products := make([]domain.Product, 0, len(s.Products))
	for _, p := range s.Products {
		products = append(products, domain.Product{
			ID:      p.ID,
			Name:    p.Name,
			Version: p.Version,
			Status:  entityStatus(p.Status),
			Secret:  p.Secret,
		})
	}

	owners := make([]domain.Owner, 0, len(s.Users))
	for _, u := range s.Users {
		owners = append(owners, domain.Owner{ID: u.ID, Status: entityStatus(u.Status)})
	}

	keys := make([]domain.LicenseKeyRecord, 0, len(s.Keys))
	for _, k := range s.Keys {
		status := domain.KeyStatus(k.Status)
		if status == "" {
			status = domain.KeyStatusActive
		}
		rec := domain.LicenseKeyRecord{
			ID:                k.ID,
			Key:               k.Key,
			Secret:            k.Secret,
			Status:            status,
			ProductID:         k.ProductID,
			UserID:            k.UserID,
			AllowedDomains:    k.AllowedDomains,
			AllowedIPs:        k.AllowedIPs,
			MaxRequestsPerDay: k.MaxRequestsPerDay,
		}
		if k.PaymentStatus != "" || k.EndsAt != "" {
			sub := &domain.Subscription{OrderID: k.ID, PaymentStatus: k.PaymentStatus}
			if k.EndsAt != "" {
				t, _ := time.Parse(time.RFC3339, k.EndsAt)
				t = t.UTC()
				sub.EndsAt = &t
			}
			rec.Subscription = sub
		}
		keys = append(keys, rec)
	}
	return products, owners, keys
}

// Apply writes the seed through p
func (s *Seed) Apply(ctx context.Context, p Provisioner) error {
	products, owners, keys := s.Records()
	for _, prod := range products {
		if err := p.UpsertProduct(ctx, prod); err != nil {
			return fmt.Errorf("seed product %s: %w", prod.ID, err)
		}
	}
	for _, o := range owners {
		if err := p.UpsertOwner(ctx, o); err != nil {
			return fmt.Errorf("seed user %s: %w", o.ID, err)
		}
	}
	for _, k := range keys {
		if err := p.UpsertKey(ctx, k); err != nil {
			return fmt.Errorf("seed key %s: %w", k.ID, err)
		}
	}
	return nil
}

func entityStatus(s string) domain.EntityStatus {
	if s == "" {
		return domain.EntityStatusActive
	}
	return domain.EntityStatus(s)
}
