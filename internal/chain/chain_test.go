package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/crypto"
	"github.com/alanyoungcy/auctionhouse/internal/domain"
	"github.com/alanyoungcy/auctionhouse/internal/store/memory"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

type fakeBackend struct {
	mu       sync.Mutex
	owner    common.Address
	callErr  error
	sendErr  error
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	known    map[common.Hash]bool
	status   uint64
	head     uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		receipts: make(map[common.Hash]*types.Receipt),
		known:    make(map[common.Hash]bool),
		status:   types.ReceiptStatusSuccessful,
		head:     100,
	}
}

func (f *fakeBackend) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	parsed, _ := NewRegistry(&Client{})
	return parsed.abi.Methods["ownerOf"].Outputs.Pack(f.owner)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: big.NewInt(2_000_000_000)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.known[tx.Hash()] {
		return errors.New("already known")
	}
	f.sent = append(f.sent, tx)
	f.known[tx.Hash()] = true
	f.receipts[tx.Hash()] = &types.Receipt{Status: f.status, BlockNumber: new(big.Int).SetUint64(f.head)}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known[h] {
		return nil, true, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func newTestClient(t *testing.T, backend Backend, confirmations uint64) *Client {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	assert.NoError(t, err)
	return NewClient(backend, crypto.NewSigner(pk, 31337), Config{
		ChainID:        31337,
		Contract:       testContract,
		Confirmations:  confirmations,
		ReceiptTimeout: time.Second,
		PollInterval:   time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestParseAssetRef(t *testing.T) {
	tests := []struct {
		ref      string
		contract string
		token    int64
		wantErr  bool
	}{
		{ref: "42", contract: testContract, token: 42},
		{ref: "0x0000000000000000000000000000000000000001:7", contract: "0x0000000000000000000000000000000000000001", token: 7},
		{ref: testContract + ":0x10", contract: testContract, token: 16},
		{ref: "not-a-contract:1", wantErr: true},
		{ref: testContract + ":abc", wantErr: true},
		{ref: testContract + ":-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			addr, id, err := parseAssetRef(tt.ref, testContract)
			if tt.wantErr {
				check.True(t, errors.Is(err, domain.ErrNotFound))
				return
			}
			assert.NoError(t, err)
			check.Equal(t, common.HexToAddress(tt.contract), addr)
			check.Equal(t, tt.token, id.Int64())
		})
	}
}

func TestToWei(t *testing.T) {
	wei, err := toWei(decimal.RequireFromString("1.5"))
	assert.NoError(t, err)
	check.Equal(t, "1500000000000000000", wei.String())

	wei, err = toWei(decimal.RequireFromString("0.000000000000000001"))
	assert.NoError(t, err)
	check.Equal(t, "1", wei.String())

	_, err = toWei(decimal.RequireFromString("0.0000000000000000001"))
	check.Error(t, err)
	_, err = toWei(decimal.Zero)
	check.Error(t, err)
	_, err = toWei(decimal.NewFromInt(-1))
	check.Error(t, err)
}

func TestRegistryOwnerOf(t *testing.T) {
	backend := newFakeBackend()
	backend.owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	reg, err := NewRegistry(newTestClient(t, backend, 0))
	assert.NoError(t, err)

	owner, err := reg.OwnerOf(context.Background(), "1")
	assert.NoError(t, err)
	check.Equal(t, backend.owner.Hex(), owner)

	backend.callErr = errors.New("rpc down")
	_, err = reg.OwnerOf(context.Background(), "1")
	check.Error(t, err)
	check.False(t, errors.Is(err, domain.ErrNotFound))
}

func TestRegistryTransfer(t *testing.T) {
	from := "0x00000000000000000000000000000000000000aa"
	to := "0x00000000000000000000000000000000000000bb"

	t.Run("mined", func(t *testing.T) {
		backend := newFakeBackend()
		reg, err := NewRegistry(newTestClient(t, backend, 0))
		assert.NoError(t, err)

		ref, err := reg.Transfer(context.Background(), "9", from, to)
		assert.NoError(t, err)
		assert.Equal(t, 1, len(backend.sent))
		tx := backend.sent[0]
		check.Equal(t, ref, tx.Hash().Hex())
		check.Equal(t, common.HexToAddress(testContract), *tx.To())
		check.Equal(t, int64(31337), tx.ChainId().Int64())
	})

	t.Run("reverted", func(t *testing.T) {
		backend := newFakeBackend()
		backend.status = types.ReceiptStatusFailed
		reg, err := NewRegistry(newTestClient(t, backend, 0))
		assert.NoError(t, err)

		_, err = reg.Transfer(context.Background(), "9", from, to)
		check.True(t, errors.Is(err, domain.ErrTransferFailed))
	})

	t.Run("bad address", func(t *testing.T) {
		reg, err := NewRegistry(newTestClient(t, newFakeBackend(), 0))
		assert.NoError(t, err)
		_, err = reg.Transfer(context.Background(), "9", "alice", to)
		check.True(t, errors.Is(err, domain.ErrTransferFailed))
	})
}

func TestRegistryAccountActive(t *testing.T) {
	reg, err := NewRegistry(newTestClient(t, newFakeBackend(), 0))
	assert.NoError(t, err)
	ctx := context.Background()

	ok, err := reg.AccountActive(ctx, "0x00000000000000000000000000000000000000bb")
	assert.NoError(t, err)
	check.True(t, ok)

	ok, _ = reg.AccountActive(ctx, "0x0000000000000000000000000000000000000000")
	check.False(t, ok)
	ok, _ = reg.AccountActive(ctx, "bob")
	check.False(t, ok)
}

func TestPayerPayIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	payer := NewPayer(newTestClient(t, backend, 0), memory.NewPaymentJournal())
	ctx := context.Background()
	to := "0x00000000000000000000000000000000000000aa"

	first, err := payer.Pay(ctx, "auction:a1:0", "bidder", to, decimal.RequireFromString("2"))
	assert.NoError(t, err)
	check.Equal(t, domain.PaymentStatePending, first.State)

	second, err := payer.Pay(ctx, "auction:a1:0", "bidder", to, decimal.RequireFromString("2"))
	assert.NoError(t, err)
	check.Equal(t, first.Ref, second.Ref)
	check.Equal(t, 1, len(backend.sent))
	check.Equal(t, "2000000000000000000", backend.sent[0].Value().String())

	_, err = payer.Pay(ctx, "auction:a1:1", "bidder", "seller", decimal.RequireFromString("2"))
	check.True(t, errors.Is(err, domain.ErrPaymentFailed))
}

func TestPayerSharedJournalSendsOnce(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend, 0)
	journal := memory.NewPaymentJournal()
	ctx := context.Background()
	to := "0x00000000000000000000000000000000000000aa"

	first, err := NewPayer(client, journal).Pay(ctx, "auction:a1:0", "bidder", to, decimal.NewFromInt(2))
	assert.NoError(t, err)
	restarted, err := NewPayer(client, journal).Pay(ctx, "auction:a1:0", "bidder", to, decimal.NewFromInt(2))
	assert.NoError(t, err)

	check.Equal(t, first.Ref, restarted.Ref)
	check.Equal(t, 1, len(backend.sent))
}

func TestPayerRebroadcastsJournaledTransaction(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend, 0)
	journal := memory.NewPaymentJournal()
	ctx := context.Background()
	to := "0x00000000000000000000000000000000000000aa"

	backend.sendErr = errors.New("connection reset")
	_, err := NewPayer(client, journal).Pay(ctx, "auction:a1:0", "bidder", to, decimal.NewFromInt(2))
	check.Error(t, err)
	check.Equal(t, 0, len(backend.sent))

	intent, err := journal.Lookup(ctx, "auction:a1:0")
	assert.NoError(t, err)

	backend.sendErr = nil
	pay, err := NewPayer(client, journal).Pay(ctx, "auction:a1:0", "bidder", to, decimal.NewFromInt(2))
	assert.NoError(t, err)
	check.Equal(t, intent.Ref, pay.Ref)
	check.Equal(t, domain.PaymentStatePending, pay.State)
	assert.Equal(t, 1, len(backend.sent))
	check.Equal(t, intent.Ref, backend.sent[0].Hash().Hex())
}

func TestPayerPaymentStatus(t *testing.T) {
	backend := newFakeBackend()
	payer := NewPayer(newTestClient(t, backend, 3), memory.NewPaymentJournal())
	ctx := context.Background()

	pay, err := payer.Pay(ctx, "k", "bidder", "0x00000000000000000000000000000000000000aa", decimal.NewFromInt(1))
	assert.NoError(t, err)

	state, err := payer.PaymentStatus(ctx, pay.Ref)
	assert.NoError(t, err)
	check.Equal(t, domain.PaymentStatePending, state)

	backend.mu.Lock()
	backend.head += 2
	backend.mu.Unlock()
	state, err = payer.PaymentStatus(ctx, pay.Ref)
	assert.NoError(t, err)
	check.Equal(t, domain.PaymentStateConfirmed, state)

	state, err = payer.PaymentStatus(ctx, common.HexToHash("0x01").Hex())
	assert.NoError(t, err)
	check.Equal(t, domain.PaymentStateFailed, state)

	backend.status = types.ReceiptStatusFailed
	reverted, err := payer.Pay(ctx, "k2", "bidder", "0x00000000000000000000000000000000000000aa", decimal.NewFromInt(1))
	assert.NoError(t, err)
	state, err = payer.PaymentStatus(ctx, reverted.Ref)
	assert.NoError(t, err)
	check.Equal(t, domain.PaymentStateFailed, state)
}
