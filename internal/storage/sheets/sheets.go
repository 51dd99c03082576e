// Package sheets serves the key directory from a Google Sheets spreadsheet.
//
// The sheet holds one denormalized row per key below a header row:
//
//	A key id | B api key | C secret | D status | E product id | F product name
//	G product version | H product status | I product secret | J user id
//	K user status | L allowed domains | M allowed ips | N max requests/day
//	O payment status | P ends at (RFC 3339) | Q last seen (RFC 3339)
//
// List columns are comma separated. Secrets may be sealed.
package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"licensegate/internal/security"
	"licensegate/internal/storage"
	"licensegate/pkg/contracts/domain"
)

const (
	colID = iota
	colAPIKey
	colSecret
	colStatus
	colProductID
	colProductName
	colProductVersion
	colProductStatus
	colProductSecret
	colUserID
	colUserStatus
	colAllowedDomains
	colAllowedIPs
	colMaxPerDay
	colPaymentStatus
	colEndsAt
	colLastSeen
	columnCount
)

// Config locates the sheet
type Config struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsFile string
}

// valuesAPI is the slice of the Sheets API the directory needs
type valuesAPI interface {
	Get(ctx context.Context, spreadsheetID, rng string) ([][]interface{}, error)
	Update(ctx context.Context, spreadsheetID, rng string, values [][]interface{}) error
	Ping(ctx context.Context, spreadsheetID string) error
}

// Directory implements storage.KeyDirectory over a spreadsheet
type Directory struct {
	api    valuesAPI
	cfg    Config
	sealer *security.Sealer
	logger *slog.Logger
}

var (
	_ storage.KeyDirectory = (*Directory)(nil)
	_ storage.Pinger       = (*Directory)(nil)
)

// New creates a directory authenticated with the service account in
// cfg.CredentialsFile
func New(ctx context.Context, cfg Config, sealer *security.Sealer, logger *slog.Logger) (*Directory, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("sheets directory: spreadsheet id is required")
	}
	credentialsJSON, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheets credentials: %w", err)
	}
	svc, err := sheetsapi.NewService(ctx, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return newDirectory(&serviceValues{svc: svc}, cfg, sealer, logger), nil
}

func newDirectory(api valuesAPI, cfg Config, sealer *security.Sealer, logger *slog.Logger) *Directory {
	if cfg.SheetName == "" {
		cfg.SheetName = "Keys"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		api:    api,
		cfg:    cfg,
		sealer: sealer,
		logger: logger.With(slog.String("component", "sheets_directory")),
	}
}

// Ping implements storage.Pinger
func (d *Directory) Ping(ctx context.Context) error {
	return d.api.Ping(ctx, d.cfg.SpreadsheetID)
}

// ResolveKey implements storage.KeyDirectory
func (d *Directory) ResolveKey(ctx context.Context, apiKey string) (*domain.ResolvedKey, error) {
	row, _, err := d.find(ctx, colAPIKey, apiKey)
	if err != nil {
		return nil, err
	}
	resolved, err := parseRow(row)
	if err != nil {
		return nil, err
	}
	if resolved.Key.Secret, err = d.sealer.OpenOrPlain(resolved.Key.Secret, resolved.Key.ID); err != nil {
		return nil, fmt.Errorf("open key secret: %w", err)
	}
	if resolved.Product.Secret, err = d.sealer.OpenOrPlain(resolved.Product.Secret, resolved.Product.ID); err != nil {
		return nil, fmt.Errorf("open product secret: %w", err)
	}
	return resolved, nil
}

// MarkKeyStatus implements storage.KeyDirectory
func (d *Directory) MarkKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus) error {
	return d.writeCell(ctx, keyID, colStatus, string(status))
}

// TouchLastSeen implements storage.KeyDirectory
func (d *Directory) TouchLastSeen(ctx context.Context, keyID string, at time.Time) error {
	return d.writeCell(ctx, keyID, colLastSeen, at.UTC().Format(time.RFC3339))
}

func (d *Directory) writeCell(ctx context.Context, keyID string, col int, value string) error {
	_, rowNumber, err := d.find(ctx, colID, keyID)
	if err != nil {
		return err
	}
	cell := fmt.Sprintf("%s!%s%d", d.cfg.SheetName, columnLetter(col), rowNumber)
	if err := d.api.Update(ctx, d.cfg.SpreadsheetID, cell, [][]interface{}{{value}}); err != nil {
		return fmt.Errorf("failed to update sheet cell %s: %w", cell, err)
	}
	d.logger.DebugContext(ctx, "sheet cell updated", slog.String("range", cell))
	return nil
}

// find returns the first row whose column col equals value, with its 1-based
// sheet row number
func (d *Directory) find(ctx context.Context, col int, value string) ([]interface{}, int, error) {
	rng := fmt.Sprintf("%s!A2:%s", d.cfg.SheetName, columnLetter(columnCount-1))
	rows, err := d.api.Get(ctx, d.cfg.SpreadsheetID, rng)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read from sheets: %w", err)
	}
	for i, row := range rows {
		if cellString(row, col) == value {
			return row, i + 2, nil
		}
	}
	return nil, 0, storage.ErrKeyNotFound
}

func parseRow(row []interface{}) (*domain.ResolvedKey, error) {
	keyID := cellString(row, colID)
	maxPerDay := 0
	if raw := cellString(row, colMaxPerDay); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("sheet row %s: invalid max requests per day %q", keyID, raw)
		}
		maxPerDay = n
	}

	out := &domain.ResolvedKey{
		Key: domain.LicenseKeyRecord{
			ID:                keyID,
			Key:               cellString(row, colAPIKey),
			Secret:            cellString(row, colSecret),
			Status:            domain.KeyStatus(orDefault(cellString(row, colStatus), string(domain.KeyStatusActive))),
			ProductID:         cellString(row, colProductID),
			UserID:            cellString(row, colUserID),
			AllowedDomains:    splitList(cellString(row, colAllowedDomains)),
			AllowedIPs:        splitList(cellString(row, colAllowedIPs)),
			MaxRequestsPerDay: maxPerDay,
		},
		Product: domain.Product{
			ID:      cellString(row, colProductID),
			Name:    cellString(row, colProductName),
			Version: cellString(row, colProductVersion),
			Status:  domain.EntityStatus(orDefault(cellString(row, colProductStatus), string(domain.EntityStatusActive))),
			Secret:  cellString(row, colProductSecret),
		},
		Owner: domain.Owner{
			ID:     cellString(row, colUserID),
			Status: domain.EntityStatus(orDefault(cellString(row, colUserStatus), string(domain.EntityStatusActive))),
		},
	}

	payment, endsRaw := cellString(row, colPaymentStatus), cellString(row, colEndsAt)
	if payment != "" || endsRaw != "" {
		sub := &domain.Subscription{OrderID: keyID, PaymentStatus: payment}
		if endsRaw != "" {
			ends, err := time.Parse(time.RFC3339, endsRaw)
			if err != nil {
				return nil, fmt.Errorf("sheet row %s: invalid ends at %q: %w", keyID, endsRaw, err)
			}
			ends = ends.UTC()
			sub.EndsAt = &ends
		}
		out.Key.Subscription = sub
	}

	if raw := cellString(row, colLastSeen); raw != "" {
		if seen, err := time.Parse(time.RFC3339, raw); err == nil {
			seen = seen.UTC()
			out.Key.LastSeenAt = &seen
		}
	}
	return out, nil
}

func cellString(row []interface{}, col int) string {
	if col >= len(row) || row[col] == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(row[col]))
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// columnLetter maps a zero-based column index to its A1 letter. The sheet
// never goes past Z.
func columnLetter(col int) string {
	return string(rune('A' + col))
}

type serviceValues struct {
	svc *sheetsapi.Service
}

func (s *serviceValues) Get(ctx context.Context, spreadsheetID, rng string) ([][]interface{}, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (s *serviceValues) Update(ctx context.Context, spreadsheetID, rng string, values [][]interface{}) error {
	_, err := s.svc.Spreadsheets.Values.Update(spreadsheetID, rng, &sheetsapi.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (s *serviceValues) Ping(ctx context.Context, spreadsheetID string) error {
	_, err := s.svc.Spreadsheets.Get(spreadsheetID).Context(ctx).Do()
	return err
}
