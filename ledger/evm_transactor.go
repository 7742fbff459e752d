package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TxBackend is the subset of the Ethereum RPC used to submit transactions.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// EVMTransactor signs and submits mutating actions with a single key.
type EVMTransactor struct {
	backend      TxBackend
	contracts    Contracts
	abis         *ABIs
	key          *ecdsa.PrivateKey
	from         common.Address
	signer       gethtypes.Signer
	pollInterval time.Duration
	logger       *slog.Logger

	// Serialises nonce allocation for this account.
	mu sync.Mutex
}

// NewEVMTransactor constructs a transactor signing with keyHex for chainID.
func NewEVMTransactor(backend TxBackend, contracts Contracts, chainID *big.Int, keyHex string, pollInterval time.Duration, logger *slog.Logger) (*EVMTransactor, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: tx backend required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: decode signer key: %w", err)
	}
	abis, err := ContractABIs()
	if err != nil {
		return nil, err
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMTransactor{
		backend:      backend,
		contracts:    contracts,
		abis:         abis,
		key:          key,
		from:         gethcrypto.PubkeyToAddress(key.PublicKey),
		signer:       gethtypes.LatestSignerForChainID(chainID),
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

// From returns the signing account.
func (t *EVMTransactor) From() common.Address { return t.from }

func (t *EVMTransactor) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (Receipt, error) {
	data, err := t.abis.ERC20.Pack("approve", spender, bigOrZero(amount))
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: pack approve: %w", err)
	}
	return t.send(ctx, "approve", token, data)
}

func (t *EVMTransactor) OpenDispute(ctx context.Context, dealID *big.Int) (Receipt, error) {
	data, err := t.abis.Disputes.Pack("openDispute", bigOrZero(dealID))
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: pack openDispute: %w", err)
	}
	return t.send(ctx, "openDispute", t.contracts.Disputes, data)
}

func (t *EVMTransactor) CastVote(ctx context.Context, disputeID *big.Int, support common.Address) (Receipt, error) {
	data, err := t.abis.Disputes.Pack("vote", bigOrZero(disputeID), support)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: pack vote: %w", err)
	}
	return t.send(ctx, "vote", t.contracts.Disputes, data)
}

func (t *EVMTransactor) send(ctx context.Context, action string, to common.Address, data []byte) (Receipt, error) {
	signed, err := t.sign(ctx, action, to, data)
	if err != nil {
		return Receipt{}, err
	}
	t.logger.Info("ledger transaction submitted", "action", action, "tx", signed.Hash().Hex())
	receipt, err := t.waitMined(ctx, signed.Hash())
	if err != nil {
		return Receipt{}, &MutationRejectedError{Action: action, Reason: err.Error(), TxHash: signed.Hash(), Err: err}
	}
	out := Receipt{
		TxHash:  signed.Hash(),
		GasUsed: receipt.GasUsed,
		Status:  SettlementSucceeded,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		out.Status = SettlementReverted
		return out, &MutationRejectedError{
			Action: action,
			Reason: fmt.Sprintf("transaction %s reverted", signed.Hash().Hex()),
			TxHash: signed.Hash(),
		}
	}
	return out, nil
}

func (t *EVMTransactor) sign(ctx context.Context, action string, to common.Address, data []byte) (*gethtypes.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Estimation executes the call, so contract reverts (duplicate vote,
	// missing approval) surface here with the node's reason.
	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{From: t.from, To: &to, Data: data})
	if err != nil {
		return nil, Rejected(action, err)
	}
	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, Rejected(action, err)
	}
	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, Rejected(action, err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, t.signer, t.key)
	if err != nil {
		return nil, fmt.Errorf("ledger: sign %s: %w", action, err)
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return nil, Rejected(action, err)
	}
	return signed, nil
}

func (t *EVMTransactor) waitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
