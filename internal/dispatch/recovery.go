package dispatch

import (
	"context"
	"log"

	"github.com/shopspring/decimal"

	"starpay/internal/models"
)

// gasRefillAmount is the fixed native-asset top-up sent to a distributor
// that failed with tx_insufficient_balance.
var gasRefillAmount = decimal.NewFromInt(10)

// defaultSupplyRefillLimit is used when the settings store cannot provide one.
var defaultSupplyRefillLimit = decimal.NewFromInt(10000)

// Actuator executes the side effects a recovery plan asks for. Every effect
// is surfaced as a boolean and logged; nothing propagates out, so a failed
// side effect can never abort plan execution.
type Actuator struct {
	gateway  BlockchainGateway
	settings SettingsStore
}

func NewActuator(g BlockchainGateway, s SettingsStore) *Actuator {
	return &Actuator{gateway: g, settings: s}
}

// RefillGas transfers a fixed amount of the native asset from the refill
// wallet to the distributor. Best-effort: a failure is logged and the
// transient retry proceeds regardless.
func (a *Actuator) RefillGas(ctx context.Context, distributor models.Credential) {
	refill, ok, err := a.settings.RefillCredential(ctx)
	if err != nil {
		log.Printf("[actuator] gas refill for %s skipped: refill credential: %v", distributor.Address, err)
		return
	}
	if !ok {
		log.Printf("[actuator] gas refill for %s skipped: no refill wallet configured", distributor.Address)
		return
	}
	if _, err := a.gateway.SendOne(ctx, refill, gasRefillAmount, models.Asset{}, distributor.Address); err != nil {
		log.Printf("[actuator] gas refill for %s failed: %v", distributor.Address, err)
		return
	}
	log.Printf("[actuator] refilled %s gas to %s", gasRefillAmount, distributor.Address)
}

// EstablishTrust creates a trust line from the distributor to the asset.
// On failure the caller reclassifies the affected operation as invalid.
func (a *Actuator) EstablishTrust(ctx context.Context, distributor models.Credential, asset models.Asset) bool {
	if err := a.gateway.EstablishTrust(ctx, distributor, asset); err != nil {
		log.Printf("[actuator] trust line %s for %s failed: %v", asset, distributor.Address, err)
		return false
	}
	log.Printf("[actuator] trust line %s established for %s", asset, distributor.Address)
	return true
}

// RefillAsset tops the distributor's balance of asset up to the supply
// refill limit, minting from the issuer whose address matches the asset.
// Returns false when no matching issuer exists, the balance is already at
// or above the limit, or the mint fails; the caller then moves the affected
// operation to the end of the remaining list (or rules it invalid if it has
// been moved before).
//
// The balance read is point-in-time; a concurrent queue refilling the same
// distributor can briefly double-refill. Accepted: the limit is re-checked
// on the next pass.
func (a *Actuator) RefillAsset(ctx context.Context, distributor models.Credential, asset models.Asset, issuers []models.Credential) bool {
	var issuer *models.Credential
	for i := range issuers {
		if issuers[i].Address == asset.Issuer {
			issuer = &issuers[i]
			break
		}
	}
	if issuer == nil {
		log.Printf("[actuator] refill %s for %s skipped: no issuer credential", asset, distributor.Address)
		return false
	}

	balance, err := a.gateway.BalanceOf(ctx, distributor.Address, asset)
	if err != nil {
		log.Printf("[actuator] refill %s for %s failed: balance read: %v", asset, distributor.Address, err)
		return false
	}

	limit, err := a.settings.SupplyRefillLimit(ctx)
	if err != nil {
		log.Printf("[actuator] refill %s: using default limit: %v", asset, err)
		limit = defaultSupplyRefillLimit
	}

	refill := limit.Sub(balance)
	if refill.Sign() <= 0 {
		log.Printf("[actuator] refill %s for %s skipped: balance %s already at limit %s", asset, distributor.Address, balance, limit)
		return false
	}

	if err := a.gateway.MintAndTransfer(ctx, asset.Code, refill, *issuer, distributor); err != nil {
		log.Printf("[actuator] refill %s for %s failed: mint: %v", asset, distributor.Address, err)
		return false
	}
	log.Printf("[actuator] refilled %s %s to %s", refill, asset, distributor.Address)
	return true
}

// ConvertToDeferredClaim mutates the operation in place so the next
// submission parks the funds in a claimable artifact. Idempotent.
func ConvertToDeferredClaim(op *models.Operation) {
	op.Type = models.DeferredClaim
}
