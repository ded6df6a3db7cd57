package dispatch

import (
	"context"
	"encoding/base32"
	"sync"

	"github.com/shopspring/decimal"

	"starpay/internal/gateway"
	"starpay/internal/models"
)

// testStrkey mints a syntactically valid strkey so credential validation in
// the fleet refresh passes without real signing material.
func testStrkey(version byte, fill byte) string {
	raw := make([]byte, 33)
	raw[0] = version
	for i := 1; i < 33; i++ {
		raw[i] = fill
	}
	crc := strkeyChecksum(raw)
	raw = append(raw, byte(crc), byte(crc>>8))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
}

func testCredential(fill byte) models.Credential {
	return models.Credential{
		Address: testStrkey(6<<3, fill),
		Seed:    testStrkey(18<<3, fill),
	}
}

// CRC16-XModem, mirroring the strkey checksum.
func strkeyChecksum(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// gwErr builds the structured failure the gateway client would decode.
func gwErr(txCode string, opCodes ...string) *gateway.Error {
	return &gateway.Error{
		Status:  400,
		Message: "transaction failed",
		ResultCodes: &gateway.ResultCodes{
			Transaction: txCode,
			Operations:  opCodes,
		},
	}
}

type fakeGateway struct {
	mu sync.Mutex

	// sendManyFn decides the outcome of the call-th SendMany (1-based).
	// nil means every submission succeeds.
	sendManyFn    func(call int, ops []*models.Operation) (string, error)
	sendManyCalls [][]*models.Operation

	sendOneErr   error
	sendOneCalls int

	trustErr   error
	trustCalls int

	mintErr     error
	mintCalls   int
	mintAmounts []decimal.Decimal

	balance    decimal.Decimal
	balanceErr error
}

func (f *fakeGateway) SendMany(ctx context.Context, distributor models.Credential, ops []*models.Operation, memo string) (string, error) {
	f.mu.Lock()
	snapshot := make([]*models.Operation, len(ops))
	copy(snapshot, ops)
	f.sendManyCalls = append(f.sendManyCalls, snapshot)
	call := len(f.sendManyCalls)
	fn := f.sendManyFn
	f.mu.Unlock()

	if fn != nil {
		return fn(call, snapshot)
	}
	return "hash", nil
}

func (f *fakeGateway) SendOne(ctx context.Context, from models.Credential, amount decimal.Decimal, asset models.Asset, to string) (string, error) {
	f.mu.Lock()
	f.sendOneCalls++
	err := f.sendOneErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "hash", nil
}

func (f *fakeGateway) EstablishTrust(ctx context.Context, distributor models.Credential, asset models.Asset) error {
	f.mu.Lock()
	f.trustCalls++
	err := f.trustErr
	f.mu.Unlock()
	return err
}

func (f *fakeGateway) MintAndTransfer(ctx context.Context, assetCode string, amount decimal.Decimal, issuer, distributor models.Credential) error {
	f.mu.Lock()
	f.mintCalls++
	f.mintAmounts = append(f.mintAmounts, amount)
	err := f.mintErr
	f.mu.Unlock()
	return err
}

func (f *fakeGateway) BalanceOf(ctx context.Context, address string, asset models.Asset) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return decimal.Zero, f.balanceErr
	}
	return f.balance, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sendManyCalls)
}

func (f *fakeGateway) callSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.sendManyCalls))
	for i, ops := range f.sendManyCalls {
		sizes[i] = len(ops)
	}
	return sizes
}

type fakeSettings struct {
	mu           sync.Mutex
	enabled      bool
	enabledFn    func(call int) (bool, error)
	enabledCalls int

	issuers  []models.Credential
	refill   models.Credential
	refillOK bool
	limit    decimal.Decimal
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{
		enabled: true,
		limit:   decimal.NewFromInt(10000),
	}
}

func (f *fakeSettings) SendingEnabled(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.enabledCalls++
	call := f.enabledCalls
	fn := f.enabledFn
	enabled := f.enabled
	f.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return enabled, nil
}

func (f *fakeSettings) IssuerCredentials(ctx context.Context) ([]models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issuers, nil
}

func (f *fakeSettings) RefillCredential(ctx context.Context) (models.Credential, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refill, f.refillOK, nil
}

func (f *fakeSettings) SupplyRefillLimit(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit, nil
}

func (f *fakeSettings) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabledCalls
}

type fakeSource struct {
	mu    sync.Mutex
	dists []models.Distributor
	err   error
}

func (f *fakeSource) ActiveDistributors(ctx context.Context) ([]models.Distributor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.dists, nil
}

func (f *fakeSource) set(dists []models.Distributor) {
	f.mu.Lock()
	f.dists = dists
	f.mu.Unlock()
}
