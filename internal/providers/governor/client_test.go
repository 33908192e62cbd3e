package governor

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/domain"
)

const (
	testGovernorAddr = "0x00000000000000000000000000000000000000c0"
	testTokenAddr    = "0x00000000000000000000000000000000000000c1"
	testProposerAddr = "0x00000000000000000000000000000000000000a1"
	testVoterAddr    = "0x00000000000000000000000000000000000000b2"
)

type fakeEth struct {
	logs      []types.Log
	filterErr error
	head      uint64
}

func (f *fakeEth) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEth) FilterLogs(_ context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= query.FromBlock.Uint64() && l.BlockNumber <= query.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeEth) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head)}, nil
}

func (f *fakeEth) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEth) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeEth) SuggestGasPrice(context.Context) (*big.Int, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeEth) SendTransaction(context.Context, *types.Transaction) error {
	return errors.New("not implemented")
}

func (f *fakeEth) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEth) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeEth) Close() {}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, blockNumber uint64) (time.Time, error) {
	return time.Unix(int64(1700000000+blockNumber), 0), nil
}

func (fakeResolver) ResolveAll(_ context.Context, blockNumbers []uint64) (map[uint64]time.Time, error) {
	out := make(map[uint64]time.Time, len(blockNumbers))
	for _, n := range blockNumbers {
		out[n] = time.Unix(int64(1700000000+n), 0)
	}
	return out, nil
}

func newTestClient(t *testing.T, eth adapter.EthClient) *client {
	t.Helper()
	c, err := NewClient(Config{
		GovernorAddress: testGovernorAddr,
		TokenAddress:    testTokenAddr,
		StartBlock:      100,
		ChainID:         big.NewInt(1),
	}, eth, adapter.NewClock(), fakeResolver{})
	require.NoError(t, err)
	return c.(*client)
}

func proposalCreatedLog(t *testing.T, c *client, block uint64, index uint, id int64, description string) types.Log {
	t.Helper()
	data, err := c.govABI.Events["ProposalCreated"].Inputs.Pack(
		big.NewInt(id),
		common.HexToAddress(testProposerAddr),
		[]common.Address{common.HexToAddress(testGovernorAddr)},
		[]*big.Int{big.NewInt(0)},
		[]string{""},
		[][]byte{{}},
		big.NewInt(1700001000),
		big.NewInt(1700002000),
		description,
	)
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(testGovernorAddr),
		Topics:      []common.Hash{proposalCreatedSignature},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      crypto.Keccak256Hash([]byte(description)),
	}
}

func voteCastLog(t *testing.T, c *client, block uint64, index uint, id int64, support uint8) types.Log {
	t.Helper()
	data, err := c.govABI.Events["VoteCast"].Inputs.NonIndexed().Pack(
		big.NewInt(id),
		support,
		big.NewInt(1),
		"",
	)
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(testGovernorAddr),
		Topics:      []common.Hash{voteCastSignature, common.BytesToHash(common.HexToAddress(testVoterAddr).Bytes())},
		Data:        data,
		BlockNumber: block,
		Index:       index,
	}
}

func proposalIDLog(t *testing.T, c *client, eventName string, signature common.Hash, block uint64, id int64) types.Log {
	t.Helper()
	data, err := c.govABI.Events[eventName].Inputs.Pack(big.NewInt(id))
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(testGovernorAddr),
		Topics:      []common.Hash{signature},
		Data:        data,
		BlockNumber: block,
	}
}

func TestParseLogProposalCreated(t *testing.T) {
	c := newTestClient(t, &fakeEth{})

	event, err := c.parseLog(proposalCreatedLog(t, c, 120, 3, 42, `{"type":"proposal","title":"Budget"}`))
	require.NoError(t, err)

	assert.Equal(t, domain.EventProposalCreated, event.Kind)
	assert.Equal(t, int64(42), event.ProposalID.Int64())
	assert.Equal(t, domain.NormalizeAddress(testProposerAddr), event.Proposer)
	assert.Equal(t, `{"type":"proposal","title":"Budget"}`, event.Description)
	assert.Equal(t, time.Unix(1700001000, 0), event.StartTime)
	assert.Equal(t, uint64(120), event.BlockNumber)
	assert.Equal(t, uint(3), event.LogIndex)
}

func TestParseLogVoteCast(t *testing.T) {
	c := newTestClient(t, &fakeEth{})

	tests := []struct {
		support uint8
		option  domain.VoteOption
	}{
		{0, domain.VoteAgainst},
		{1, domain.VoteFor},
		{2, domain.VoteAbstain},
	}
	for _, tt := range tests {
		event, err := c.parseLog(voteCastLog(t, c, 130, 0, 42, tt.support))
		require.NoError(t, err)
		assert.Equal(t, domain.EventVoteCast, event.Kind)
		assert.Equal(t, tt.option, event.Option)
		assert.Equal(t, domain.NormalizeAddress(testVoterAddr), event.Voter)
	}
}

func TestParseLogUnknownSupportCode(t *testing.T) {
	c := newTestClient(t, &fakeEth{})

	_, err := c.parseLog(voteCastLog(t, c, 130, 0, 42, 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownSupportCode)
}

func TestParseLogCanceledAndExecuted(t *testing.T) {
	c := newTestClient(t, &fakeEth{})

	cancelled, err := c.parseLog(proposalIDLog(t, c, "ProposalCanceled", proposalCanceledSignature, 140, 42))
	require.NoError(t, err)
	assert.Equal(t, domain.EventProposalCanceled, cancelled.Kind)
	assert.Equal(t, int64(42), cancelled.ProposalID.Int64())

	executed, err := c.parseLog(proposalIDLog(t, c, "ProposalExecuted", proposalExecutedSignature, 141, 42))
	require.NoError(t, err)
	assert.Equal(t, domain.EventProposalExecuted, executed.Kind)
}

func TestParseLogRejectsGarbage(t *testing.T) {
	c := newTestClient(t, &fakeEth{})

	_, err := c.parseLog(types.Log{})
	assert.Error(t, err)

	_, err = c.parseLog(types.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Unrelated()"))}})
	assert.Error(t, err)

	_, err = c.parseLog(types.Log{
		Topics: []common.Hash{proposalCreatedSignature},
		Data:   []byte{0x01, 0x02},
	})
	assert.Error(t, err)
}

func TestGetHistoricalEventsOrdersAndSkips(t *testing.T) {
	eth := &fakeEth{head: 200}
	c := newTestClient(t, eth)

	// Out of order, with one corrupt record in the middle.
	eth.logs = []types.Log{
		voteCastLog(t, c, 150, 2, 42, 1),
		{Topics: []common.Hash{proposalCreatedSignature}, Data: []byte{0xff}, BlockNumber: 130},
		proposalCreatedLog(t, c, 120, 0, 42, "payload"),
		voteCastLog(t, c, 150, 1, 42, 0),
	}

	events, err := c.GetHistoricalEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, domain.EventProposalCreated, events[0].Kind)
	assert.Equal(t, uint(1), events[1].LogIndex)
	assert.Equal(t, uint(2), events[2].LogIndex)

	// Timestamps come from the block resolver.
	assert.Equal(t, time.Unix(1700000120, 0), events[0].Timestamp)
	assert.Equal(t, time.Unix(1700000150, 0), events[1].Timestamp)
}

func TestGetHistoricalEventsWrapsTransportErrors(t *testing.T) {
	eth := &fakeEth{head: 200, filterErr: errors.New("connection refused")}
	c := newTestClient(t, eth)

	_, err := c.GetHistoricalEvents(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestHashProposalMatchesContentNotOrder(t *testing.T) {
	c := newTestClient(t, &fakeEth{})

	actions := []Action{{
		Target:   common.HexToAddress(testGovernorAddr),
		Value:    big.NewInt(0),
		Calldata: []byte{},
	}}
	descHash := crypto.Keccak256Hash([]byte("payload"))

	id1, err := c.HashProposal(actions, descHash)
	require.NoError(t, err)
	id2, err := c.HashProposal(actions, descHash)
	require.NoError(t, err)
	assert.Equal(t, 0, id1.Cmp(id2))

	other, err := c.HashProposal(actions, crypto.Keccak256Hash([]byte("other payload")))
	require.NoError(t, err)
	assert.NotEqual(t, 0, id1.Cmp(other))
}

func TestPackTransferRoundTrips(t *testing.T) {
	c := newTestClient(t, &fakeEth{})

	data, err := c.PackTransfer(domain.NormalizeAddress(testVoterAddr), big.NewInt(1))
	require.NoError(t, err)

	method, err := c.tokABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "transfer", method.Name)

	values, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testVoterAddr), values[0].(common.Address))
	assert.Equal(t, int64(1), values[1].(*big.Int).Int64())
}

func TestIsTooManyResultsError(t *testing.T) {
	assert.True(t, isTooManyResultsError(errors.New("query returned more than 10000 results")))
	assert.True(t, isTooManyResultsError(errors.New("too many results")))
	assert.True(t, isTooManyResultsError(errors.New("request exceeded maximum block range")))
	assert.False(t, isTooManyResultsError(errors.New("connection refused")))
	assert.False(t, isTooManyResultsError(nil))
}

func TestWriteOperationsRequireSigner(t *testing.T) {
	c := newTestClient(t, &fakeEth{})

	err := c.CastVote(context.Background(), big.NewInt(42), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no signer configured")

	assert.Equal(t, domain.Address(""), c.SignerAddress())
}
