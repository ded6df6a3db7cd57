package repository

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"starpay/internal/models"
)

// Settings keys.
const (
	settingSendingEnabled    = "sending_enabled"
	settingSupplyRefillLimit = "supply_refill_limit"
)

// SendingEnabled reads the admin kill switch. A missing row counts as
// enabled so a fresh database does not silently stall the fleet.
func (r *Repository) SendingEnabled(ctx context.Context) (bool, error) {
	var value string
	err := r.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, settingSendingEnabled).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", settingSendingEnabled, err)
	}
	return value == "true", nil
}

// SetSendingEnabled flips the admin kill switch.
func (r *Repository) SetSendingEnabled(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, settingSendingEnabled, value)
	if err != nil {
		return fmt.Errorf("write %s: %w", settingSendingEnabled, err)
	}
	return nil
}

// SupplyRefillLimit is the target balance an asset refill tops up to.
func (r *Repository) SupplyRefillLimit(ctx context.Context) (decimal.Decimal, error) {
	var value string
	err := r.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, settingSupplyRefillLimit).Scan(&value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s: %w", settingSupplyRefillLimit, err)
	}
	limit, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", settingSupplyRefillLimit, value, err)
	}
	return limit, nil
}

// IssuerCredentials lists the active issuer wallets usable for refills.
func (r *Repository) IssuerCredentials(ctx context.Context) ([]models.Credential, error) {
	rows, err := r.db.Query(ctx, `SELECT address, seed FROM issuers WHERE active ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("query issuers: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		var c models.Credential
		if err := rows.Scan(&c.Address, &c.Seed); err != nil {
			return nil, fmt.Errorf("scan issuer: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// RefillCredential is the wallet gas refills are paid from. Env-configured:
// REFILL_ADDRESS / REFILL_SEED. ok is false when unset.
func (r *Repository) RefillCredential(ctx context.Context) (models.Credential, bool, error) {
	address := os.Getenv("REFILL_ADDRESS")
	seed := os.Getenv("REFILL_SEED")
	if address == "" || seed == "" {
		return models.Credential{}, false, nil
	}
	cred, err := models.ParseCredential(address, seed)
	if err != nil {
		return models.Credential{}, false, fmt.Errorf("refill credential: %w", err)
	}
	return cred, true, nil
}
