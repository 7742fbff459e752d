package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeCallBackend struct {
	mu      sync.Mutex
	abis    *ABIs
	outputs map[string][]interface{}
	err     error
	calls   map[string]int
}

func newFakeCallBackend(t *testing.T) *fakeCallBackend {
	t.Helper()
	abis, err := ContractABIs()
	require.NoError(t, err)
	return &fakeCallBackend{abis: abis, outputs: map[string][]interface{}{}, calls: map[string]int{}}
}

func (f *fakeCallBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	method, err := f.lookup(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.calls[method.Name]++
	values, ok := f.outputs[method.Name]
	if !ok {
		return nil, nil
	}
	return method.Outputs.Pack(values...)
}

func (f *fakeCallBackend) lookup(selector []byte) (*abi.Method, error) {
	for _, parsed := range []abi.ABI{f.abis.Escrow, f.abis.Disputes, f.abis.Jurors} {
		if m, err := parsed.MethodById(selector); err == nil {
			return m, nil
		}
	}
	return nil, errors.New("unknown selector")
}

var testContracts = Contracts{
	Escrow:   common.HexToAddress("0x00000000000000000000000000000000000000e1"),
	Disputes: common.HexToAddress("0x00000000000000000000000000000000000000d1"),
	Jurors:   common.HexToAddress("0x00000000000000000000000000000000000000a1"),
}

func TestEVMGatewayDecodesDeal(t *testing.T) {
	backend := newFakeCallBackend(t)
	sender := common.HexToAddress("0x1000000000000000000000000000000000000001")
	receiver := common.HexToAddress("0x2000000000000000000000000000000000000002")
	token := common.HexToAddress("0x3000000000000000000000000000000000000003")
	backend.outputs["getDeal"] = []interface{}{big.NewInt(9), sender, receiver, token, big.NewInt(1_000_000), uint8(DealDisputed), "laptop repair"}

	gw, err := NewEVMGateway(backend, testContracts)
	require.NoError(t, err)

	deal, err := gw.GetDeal(context.Background(), big.NewInt(9))
	require.NoError(t, err)
	require.Equal(t, int64(9), deal.ID.Int64())
	require.Equal(t, sender, deal.Sender)
	require.Equal(t, receiver, deal.Receiver)
	require.Equal(t, token, deal.Token)
	require.Equal(t, uint64(1_000_000), deal.Amount.Uint64())
	require.Equal(t, DealDisputed, deal.Status)
	require.Equal(t, "laptop repair", deal.Description)
	require.Equal(t, receiver, deal.Counterparty(sender))
}

func TestEVMGatewayMapsZeroIdentifiersToNotFound(t *testing.T) {
	backend := newFakeCallBackend(t)
	backend.outputs["dealDisputeId"] = []interface{}{big.NewInt(0)}
	gw, err := NewEVMGateway(backend, testContracts)
	require.NoError(t, err)

	_, err = gw.GetDisputeID(context.Background(), big.NewInt(4))
	require.ErrorIs(t, err, ErrNotFound)
	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	require.Equal(t, "getDisputeId", readErr.Op)
	require.Equal(t, "4", readErr.Key)

	// No output at all (no contract code) is also a missing record.
	_, err = gw.GetDispute(context.Background(), big.NewInt(4))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEVMGatewayWrapsNodeFailures(t *testing.T) {
	backend := newFakeCallBackend(t)
	backend.err = errors.New("connection refused")
	gw, err := NewEVMGateway(backend, testContracts)
	require.NoError(t, err)

	_, err = gw.GetDisputeTimer(context.Background(), big.NewInt(1))
	require.ErrorIs(t, err, ErrNetwork)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "connection refused")
}

func TestEVMGatewayReadsVotesAndHistory(t *testing.T) {
	backend := newFakeCallBackend(t)
	juror := common.HexToAddress("0x4000000000000000000000000000000000000004")
	support := common.HexToAddress("0x5000000000000000000000000000000000000005")
	backend.outputs["disputeVote"] = []interface{}{support}
	backend.outputs["jurorDisputeHistory"] = []interface{}{[]*big.Int{big.NewInt(1), big.NewInt(3)}}
	backend.outputs["getJurors"] = []interface{}{[]common.Address{juror}}
	backend.outputs["getJuror"] = []interface{}{big.NewInt(500), uint64(80), uint64(2), true}
	gw, err := NewEVMGateway(backend, testContracts)
	require.NoError(t, err)
	ctx := context.Background()

	vote, err := gw.GetDisputeVote(ctx, big.NewInt(3), juror)
	require.NoError(t, err)
	require.Equal(t, support, vote.Support)
	require.Equal(t, juror, vote.Juror)

	history, err := gw.GetJurorDisputeHistory(ctx, juror)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, int64(3), history[1].Int64())

	jurors, err := gw.GetJurorAddresses(ctx, big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, []common.Address{juror}, jurors)

	profile, err := gw.GetJuror(ctx, juror)
	require.NoError(t, err)
	require.Equal(t, uint64(500), profile.Stake.Uint64())
	require.Equal(t, uint64(80), profile.Reputation)
	require.Equal(t, uint64(2), profile.MissedVotes)
	require.True(t, profile.Active)
}

func TestEVMGatewayReadsEvidence(t *testing.T) {
	backend := newFakeCallBackend(t)
	submitter := common.HexToAddress("0x6000000000000000000000000000000000000006")
	backend.outputs["evidenceCount"] = []interface{}{big.NewInt(2)}
	backend.outputs["evidence"] = []interface{}{"ipfs://bafy", "image/png", "photo of damage", uint64(1700000000)}
	gw, err := NewEVMGateway(backend, testContracts)
	require.NoError(t, err)

	items, err := gw.GetEvidence(context.Background(), big.NewInt(2), submitter)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "ipfs://bafy", items[0].URI)
	require.Equal(t, submitter, items[1].Submitter)
	require.Equal(t, 2, backend.calls["evidence"])
}

func TestEVMGatewayRequiresContracts(t *testing.T) {
	_, err := NewEVMGateway(newFakeCallBackend(t), Contracts{})
	require.Error(t, err)
}
