package repository

import (
	"context"
	"fmt"

	"starpay/internal/models"
)

// ActiveDistributors lists the sending-wallet fleet. Polled by the
// dispatcher's periodic refresh; credentials are validated there, not here.
func (r *Repository) ActiveDistributors(ctx context.Context) ([]models.Distributor, error) {
	rows, err := r.db.Query(ctx, `SELECT id, address, seed FROM distributors WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query distributors: %w", err)
	}
	defer rows.Close()

	var dists []models.Distributor
	for rows.Next() {
		var d models.Distributor
		if err := rows.Scan(&d.ID, &d.Credential.Address, &d.Credential.Seed); err != nil {
			return nil, fmt.Errorf("scan distributor: %w", err)
		}
		d.Active = true
		dists = append(dists, d)
	}
	return dists, rows.Err()
}

// UpsertDistributor registers or reactivates a sending wallet.
func (r *Repository) UpsertDistributor(ctx context.Context, address, seed string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO distributors (address, seed, active) VALUES ($1, $2, TRUE)
		ON CONFLICT (address) DO UPDATE SET seed = EXCLUDED.seed, active = TRUE
		RETURNING id
	`, address, seed).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert distributor %s: %w", address, err)
	}
	return id, nil
}

// DeactivateDistributor removes a wallet from the fleet; its queue quits on
// the next refresh.
func (r *Repository) DeactivateDistributor(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `UPDATE distributors SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate distributor %d: %w", id, err)
	}
	return nil
}
