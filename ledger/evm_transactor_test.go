package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type fakeTxBackend struct {
	mu          sync.Mutex
	estimateErr error
	sent        []*gethtypes.Transaction
	pending     int
	status      uint64
}

func (f *fakeTxBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeTxBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeTxBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 90_000, nil
}

func (f *fakeTxBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeTxBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	return &gethtypes.Receipt{TxHash: hash, Status: f.status, BlockNumber: big.NewInt(77), GasUsed: 51_000}, nil
}

func newTestTransactor(t *testing.T, backend TxBackend) *EVMTransactor {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	tx, err := NewEVMTransactor(backend, testContracts, big.NewInt(1337), hex.EncodeToString(gethcrypto.FromECDSA(key)), time.Millisecond, nil)
	require.NoError(t, err)
	require.Equal(t, gethcrypto.PubkeyToAddress(key.PublicKey), tx.From())
	return tx
}

func TestEVMTransactorCastVoteSettles(t *testing.T) {
	backend := &fakeTxBackend{pending: 2, status: gethtypes.ReceiptStatusSuccessful}
	tx := newTestTransactor(t, backend)

	receipt, err := tx.CastVote(context.Background(), big.NewInt(3), common.HexToAddress("0x09"))
	require.NoError(t, err)
	require.Equal(t, SettlementSucceeded, receipt.Status)
	require.Equal(t, uint64(77), receipt.BlockNumber)
	require.Len(t, backend.sent, 1)
	require.Equal(t, testContracts.Disputes, *backend.sent[0].To())
	require.Equal(t, receipt.TxHash, backend.sent[0].Hash())
}

func TestEVMTransactorReturnsRevertReasonVerbatim(t *testing.T) {
	backend := &fakeTxBackend{estimateErr: errors.New("execution reverted: already voted")}
	tx := newTestTransactor(t, backend)

	_, err := tx.CastVote(context.Background(), big.NewInt(3), common.HexToAddress("0x09"))
	require.True(t, IsMutationRejected(err))
	require.Equal(t, "execution reverted: already voted", err.Error())
	require.Empty(t, backend.sent)
}

func TestEVMTransactorRevertedReceipt(t *testing.T) {
	backend := &fakeTxBackend{status: gethtypes.ReceiptStatusFailed}
	tx := newTestTransactor(t, backend)

	receipt, err := tx.OpenDispute(context.Background(), big.NewInt(8))
	require.True(t, IsMutationRejected(err))
	require.Equal(t, SettlementReverted, receipt.Status)
}
