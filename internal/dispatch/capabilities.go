package dispatch

import (
	"context"

	"github.com/shopspring/decimal"

	"starpay/internal/models"
)

// BlockchainGateway is the submission surface the dispatcher drives. The
// production implementation is gateway.Client; tests use in-memory fakes.
type BlockchainGateway interface {
	// SendMany submits the operations atomically from the distributor
	// wallet and returns the transaction hash.
	SendMany(ctx context.Context, distributor models.Credential, ops []*models.Operation, memo string) (string, error)
	// SendOne submits a single payment from an arbitrary credential.
	SendOne(ctx context.Context, from models.Credential, amount decimal.Decimal, asset models.Asset, to string) (string, error)
	// EstablishTrust creates a trust line from the distributor to the asset.
	EstablishTrust(ctx context.Context, distributor models.Credential, asset models.Asset) error
	// MintAndTransfer issues amount of assetCode and moves it to the distributor.
	MintAndTransfer(ctx context.Context, assetCode string, amount decimal.Decimal, issuer, distributor models.Credential) error
	// BalanceOf reads the address's balance of the given asset.
	BalanceOf(ctx context.Context, address string, asset models.Asset) (decimal.Decimal, error)
}

// SettingsStore exposes the admin-controlled runtime settings.
type SettingsStore interface {
	// SendingEnabled is the admin kill switch, polled before every submission.
	SendingEnabled(ctx context.Context) (bool, error)
	// IssuerCredentials lists the issuer wallets usable for asset refills.
	IssuerCredentials(ctx context.Context) ([]models.Credential, error)
	// RefillCredential is the wallet gas refills are paid from. ok is false
	// when none is configured.
	RefillCredential(ctx context.Context) (cred models.Credential, ok bool, err error)
	// SupplyRefillLimit is the target balance an asset refill tops up to.
	SupplyRefillLimit(ctx context.Context) (decimal.Decimal, error)
}

// DistributorSource yields the active sending-wallet fleet. Polled by the
// dispatcher's periodic refresh.
type DistributorSource interface {
	ActiveDistributors(ctx context.Context) ([]models.Distributor, error)
}
