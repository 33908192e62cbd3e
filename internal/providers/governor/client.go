package governor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/blocktime"
	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/logger"
)

// Action is one (target, value, calldata) triple of a governor proposal.
// Plain text proposals carry a single no-op action against the governor
// itself; member additions carry a token transfer to the new voter.
type Action struct {
	Target   common.Address
	Value    *big.Int
	Calldata []byte
}

// Client wraps the governor and token contracts. Reads are pure; the write
// path signs and submits transactions when a key is configured.
//
//go:generate mockgen -source=client.go -destination=../../mocks/governor.go -package=mocks -mock_names=Client=MockGovernorClient
type Client interface {
	// GetHistoricalEvents fetches every governor record from the start block
	// to the current head, timestamp-resolved, in ledger order (block height,
	// then intra-block index). This ordering is the only ordering guarantee
	// the projection may rely on.
	GetHistoricalEvents(ctx context.Context) ([]domain.GovernorEvent, error)

	// ParseEventLog parses a single governor log, resolving its timestamp.
	ParseEventLog(ctx context.Context, vLog types.Log) (*domain.GovernorEvent, error)

	// SubscribeLogs subscribes to live governor logs from the given block.
	SubscribeLogs(ctx context.Context, fromBlock uint64, ch chan<- types.Log) (ethereum.Subscription, error)

	// HeadBlock returns the current chain head number.
	HeadBlock(ctx context.Context) (uint64, error)

	// State returns the native governor state of a proposal.
	State(ctx context.Context, proposalID *big.Int) (domain.GovernorState, error)

	// ProposalDeadline returns the wall-clock end of the voting period.
	ProposalDeadline(ctx context.Context, proposalID *big.Int) (time.Time, error)

	// Quorum returns the vote count threshold at the current head.
	Quorum(ctx context.Context) (int, error)

	// BalanceOf returns the token balance of an address.
	BalanceOf(ctx context.Context, addr domain.Address) (*big.Int, error)

	// GetVotes returns the current voting weight of an address.
	GetVotes(ctx context.Context, addr domain.Address) (*big.Int, error)

	// Propose submits a new proposal and returns its ledger id.
	Propose(ctx context.Context, actions []Action, description string) (*big.Int, error)

	// CastVote submits a vote on a proposal or vote item.
	CastVote(ctx context.Context, proposalID *big.Int, support uint8) error

	// Cancel cancels a proposal. The ledger authorizes cancellation by
	// content hash, not by id.
	Cancel(ctx context.Context, actions []Action, descriptionHash common.Hash) error

	// Execute executes a succeeded proposal's actions.
	Execute(ctx context.Context, actions []Action, descriptionHash common.Hash) error

	// Delegate delegates the signer's voting weight to the given address.
	Delegate(ctx context.Context, delegatee domain.Address) error

	// HashProposal computes the ledger id a proposal with these actions and
	// description hash would be assigned.
	HashProposal(actions []Action, descriptionHash common.Hash) (*big.Int, error)

	// PackTransfer packs a token transfer call for use as proposal calldata.
	PackTransfer(to domain.Address, amount *big.Int) ([]byte, error)

	// SignerAddress returns the configured signer address, or the zero
	// address in read-only mode.
	SignerAddress() domain.Address

	// GovernorAddress returns the governor contract address.
	GovernorAddress() common.Address

	// TokenAddress returns the token contract address.
	TokenAddress() common.Address

	// Close closes the underlying connection.
	Close()
}

// Config holds the contract addresses and signer for a governor client.
type Config struct {
	GovernorAddress string
	TokenAddress    string
	StartBlock      uint64
	ChainID         *big.Int
	// PrivateKey signs write-path transactions. Nil means read-only; write
	// operations then fail fast.
	PrivateKey *ecdsa.PrivateKey
}

type client struct {
	eth      adapter.EthClient
	clock    adapter.Clock
	resolver blocktime.Resolver

	governor common.Address
	token    common.Address
	start    uint64
	chainID  *big.Int
	key      *ecdsa.PrivateKey

	govABI   abi.ABI
	tokABI   abi.ABI
	hashArgs abi.Arguments
}

// NewClient creates a governor client.
func NewClient(cfg Config, eth adapter.EthClient, clock adapter.Clock, resolver blocktime.Resolver) (Client, error) {
	govABI, tokABI, err := parseABIs()
	if err != nil {
		return nil, err
	}

	hashArgs, err := proposalHashArguments()
	if err != nil {
		return nil, err
	}

	return &client{
		eth:      eth,
		clock:    clock,
		resolver: resolver,
		governor: common.HexToAddress(cfg.GovernorAddress),
		token:    common.HexToAddress(cfg.TokenAddress),
		start:    cfg.StartBlock,
		chainID:  cfg.ChainID,
		key:      cfg.PrivateKey,
		govABI:   govABI,
		tokABI:   tokABI,
		hashArgs: hashArgs,
	}, nil
}

func proposalHashArguments() (abi.Arguments, error) {
	addressSlice, err := abi.NewType("address[]", "", nil)
	if err != nil {
		return nil, err
	}
	uint256Slice, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		return nil, err
	}
	bytesSlice, err := abi.NewType("bytes[]", "", nil)
	if err != nil {
		return nil, err
	}
	bytes32, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		return nil, err
	}
	return abi.Arguments{
		{Type: addressSlice},
		{Type: uint256Slice},
		{Type: bytesSlice},
		{Type: bytes32},
	}, nil
}

// filterLogsWithPagination chunks a log query to work around provider result
// limits, halving the step on "too many results" responses.
func (c *client) filterLogsWithPagination(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	fromBlock := query.FromBlock
	if fromBlock == nil {
		fromBlock = big.NewInt(0)
	}

	toBlock := query.ToBlock
	if toBlock == nil {
		latest, err := c.eth.HeaderByNumber(timeoutCtx, nil)
		if err != nil {
			return nil, domain.NewRetryableError(fmt.Errorf("failed to get latest block: %w", err))
		}
		toBlock = latest.Number
	}

	var allLogs []types.Log
	currentFrom := new(big.Int).Set(fromBlock)
	stepSize := uint64(1000000)

	for currentFrom.Cmp(toBlock) <= 0 {
		currentTo := new(big.Int).Add(currentFrom, new(big.Int).SetUint64(stepSize))
		if currentTo.Cmp(toBlock) > 0 {
			currentTo.Set(toBlock)
		}

		rangeQuery := query
		rangeQuery.FromBlock = new(big.Int).Set(currentFrom)
		rangeQuery.ToBlock = currentTo

		logs, err := c.getLogsWithRetry(timeoutCtx, rangeQuery, stepSize)
		if err != nil {
			return nil, domain.NewRetryableError(fmt.Errorf("failed to get logs for range %d-%d: %w", currentFrom.Uint64(), currentTo.Uint64(), err))
		}

		allLogs = append(allLogs, logs...)
		currentFrom.SetUint64(currentTo.Uint64() + 1)
	}

	return allLogs, nil
}

// getLogsWithRetry processes one range in chunks, halving the chunk size
// whenever the provider rejects a chunk as too large.
func (c *client) getLogsWithRetry(ctx context.Context, query ethereum.FilterQuery, stepSize uint64) ([]types.Log, error) {
	currentStepSize := stepSize

	var allLogs []types.Log
	currentFrom := new(big.Int).Set(query.FromBlock)

	for currentFrom.Cmp(query.ToBlock) <= 0 {
		currentTo := new(big.Int).Add(currentFrom, new(big.Int).SetUint64(currentStepSize-1))
		if currentTo.Cmp(query.ToBlock) > 0 {
			currentTo.Set(query.ToBlock)
		}

		chunkQuery := query
		chunkQuery.FromBlock = new(big.Int).Set(currentFrom)
		chunkQuery.ToBlock = new(big.Int).Set(currentTo)

		logs, err := c.eth.FilterLogs(ctx, chunkQuery)
		if err == nil {
			allLogs = append(allLogs, logs...)
			currentFrom.SetUint64(currentTo.Uint64() + 1)
			continue
		}

		if !isTooManyResultsError(err) {
			return nil, err
		}

		currentStepSize = currentStepSize / 2
		if currentStepSize == 0 {
			return nil, err
		}

		logger.Warn("Too many results, reducing step size",
			zap.Uint64("oldStepSize", currentStepSize*2),
			zap.Uint64("newStepSize", currentStepSize),
			zap.Uint64("fromBlock", currentFrom.Uint64()),
			zap.Uint64("toBlock", currentTo.Uint64()))
	}

	return allLogs, nil
}

func isTooManyResultsError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "query returned more than 10000 results") ||
		strings.Contains(errStr, "query timeout exceeded") ||
		strings.Contains(errStr, "too many results") ||
		strings.Contains(errStr, "exceeded maximum")
}

// GetHistoricalEvents fetches every governor record from the start block to
// the current head.
func (c *client) GetHistoricalEvents(ctx context.Context) ([]domain.GovernorEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.start),
		Addresses: []common.Address{c.governor},
		Topics: [][]common.Hash{
			{
				proposalCreatedSignature,
				voteCastSignature,
				proposalCanceledSignature,
				proposalExecutedSignature,
			},
		},
	}

	logs, err := c.filterLogsWithPagination(ctx, query)
	if err != nil {
		return nil, err
	}

	// Ledger order: block height, then intra-block index. Chunked fetching
	// already yields this order but the rest of the system depends on it, so
	// it is enforced here rather than assumed.
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]domain.GovernorEvent, 0, len(logs))
	blocks := make([]uint64, 0, len(logs))
	for _, vLog := range logs {
		event, err := c.parseLog(vLog)
		if err != nil {
			// One corrupt historical record must never hide the others.
			logger.WarnCtx(ctx, "Skipping unparseable governor log",
				zap.String("txHash", vLog.TxHash.Hex()),
				zap.Uint64("block", vLog.BlockNumber),
				zap.Error(err))
			continue
		}
		events = append(events, *event)
		blocks = append(blocks, vLog.BlockNumber)
	}

	timestamps, err := c.resolver.ResolveAll(ctx, blocks)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Timestamp = timestamps[events[i].BlockNumber]
	}

	return events, nil
}

// ParseEventLog parses a single governor log, resolving its timestamp.
func (c *client) ParseEventLog(ctx context.Context, vLog types.Log) (*domain.GovernorEvent, error) {
	event, err := c.parseLog(vLog)
	if err != nil {
		return nil, err
	}

	ts, err := c.resolver.Resolve(ctx, vLog.BlockNumber)
	if err != nil {
		return nil, err
	}
	event.Timestamp = ts

	return event, nil
}

// parseLog decodes a governor log without timestamp resolution.
func (c *client) parseLog(vLog types.Log) (*domain.GovernorEvent, error) {
	if len(vLog.Topics) == 0 {
		return nil, fmt.Errorf("log without topics")
	}

	event := &domain.GovernorEvent{
		BlockNumber: vLog.BlockNumber,
		LogIndex:    vLog.Index,
		TxHash:      vLog.TxHash.Hex(),
	}

	switch vLog.Topics[0] {
	case proposalCreatedSignature:
		values, err := c.govABI.Events["ProposalCreated"].Inputs.Unpack(vLog.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid ProposalCreated event: %w", err)
		}
		if len(values) != 9 {
			return nil, fmt.Errorf("invalid ProposalCreated event: expected 9 values, got %d", len(values))
		}

		event.Kind = domain.EventProposalCreated
		event.ProposalID = values[0].(*big.Int)
		event.Proposer = domain.Address(values[1].(common.Address).Hex())
		voteStart := values[6].(*big.Int)
		event.StartTime = c.clock.Unix(voteStart.Int64(), 0)
		event.Description = values[8].(string)

	case voteCastSignature:
		if len(vLog.Topics) != 2 {
			return nil, fmt.Errorf("invalid VoteCast event: expected 2 topics, got %d", len(vLog.Topics))
		}
		values, err := c.govABI.Events["VoteCast"].Inputs.NonIndexed().Unpack(vLog.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid VoteCast event: %w", err)
		}
		if len(values) != 4 {
			return nil, fmt.Errorf("invalid VoteCast event: expected 4 values, got %d", len(values))
		}

		support := values[1].(uint8)
		option, ok := domain.VoteOptionFromSupport(support)
		if !ok {
			return nil, fmt.Errorf("%w: %d", domain.ErrUnknownSupportCode, support)
		}

		event.Kind = domain.EventVoteCast
		event.Voter = domain.Address(common.BytesToAddress(vLog.Topics[1].Bytes()).Hex())
		event.ProposalID = values[0].(*big.Int)
		event.Option = option

	case proposalCanceledSignature:
		id, err := c.unpackProposalID("ProposalCanceled", vLog.Data)
		if err != nil {
			return nil, err
		}
		event.Kind = domain.EventProposalCanceled
		event.ProposalID = id

	case proposalExecutedSignature:
		id, err := c.unpackProposalID("ProposalExecuted", vLog.Data)
		if err != nil {
			return nil, err
		}
		event.Kind = domain.EventProposalExecuted
		event.ProposalID = id

	default:
		return nil, fmt.Errorf("unknown event signature: %s", vLog.Topics[0].Hex())
	}

	return event, nil
}

func (c *client) unpackProposalID(eventName string, data []byte) (*big.Int, error) {
	values, err := c.govABI.Events[eventName].Inputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", eventName, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("invalid %s event: expected 1 value, got %d", eventName, len(values))
	}
	return values[0].(*big.Int), nil
}

// SubscribeLogs subscribes to live governor logs from the given block.
func (c *client) SubscribeLogs(ctx context.Context, fromBlock uint64, ch chan<- types.Log) (ethereum.Subscription, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.governor},
		Topics: [][]common.Hash{
			{
				proposalCreatedSignature,
				voteCastSignature,
				proposalCanceledSignature,
				proposalExecutedSignature,
			},
		},
	}
	return c.eth.SubscribeFilterLogs(ctx, query, ch)
}

// HeadBlock returns the current chain head number.
func (c *client) HeadBlock(ctx context.Context) (uint64, error) {
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, domain.NewRetryableError(fmt.Errorf("failed to get latest block: %w", err))
	}
	return header.Number.Uint64(), nil
}

// call performs a read-only contract call and unpacks the single output.
func (c *client) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, out interface{}, args ...interface{}) error {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to call %s: %w", method, err))
	}

	if err := contractABI.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("failed to unpack %s result: %w", method, err)
	}

	return nil
}

// State returns the native governor state of a proposal.
func (c *client) State(ctx context.Context, proposalID *big.Int) (domain.GovernorState, error) {
	var state uint8
	if err := c.call(ctx, c.governor, c.govABI, "state", &state, proposalID); err != nil {
		return 0, err
	}
	if state > uint8(domain.GovernorExecuted) {
		return 0, fmt.Errorf("%w: %d", domain.ErrUnknownGovernorState, state)
	}
	return domain.GovernorState(state), nil
}

// ProposalDeadline returns the wall-clock end of the voting period. The
// governor runs in timestamp mode, so the raw value is unix seconds.
func (c *client) ProposalDeadline(ctx context.Context, proposalID *big.Int) (time.Time, error) {
	var deadline *big.Int
	if err := c.call(ctx, c.governor, c.govABI, "proposalDeadline", &deadline, proposalID); err != nil {
		return time.Time{}, err
	}
	return c.clock.Unix(deadline.Int64(), 0), nil
}

// Quorum returns the vote count threshold at the current head. The
// membership token is indivisible (zero decimals), so weights are counts.
func (c *client) Quorum(ctx context.Context) (int, error) {
	head, err := c.HeadBlock(ctx)
	if err != nil {
		return 0, err
	}

	var quorum *big.Int
	if err := c.call(ctx, c.governor, c.govABI, "quorum", &quorum, new(big.Int).SetUint64(head-1)); err != nil {
		return 0, err
	}
	return int(quorum.Int64()), nil
}

// BalanceOf returns the token balance of an address.
func (c *client) BalanceOf(ctx context.Context, addr domain.Address) (*big.Int, error) {
	var balance *big.Int
	if err := c.call(ctx, c.token, c.tokABI, "balanceOf", &balance, common.HexToAddress(string(addr))); err != nil {
		return nil, err
	}
	return balance, nil
}

// GetVotes returns the current voting weight of an address.
func (c *client) GetVotes(ctx context.Context, addr domain.Address) (*big.Int, error) {
	var votes *big.Int
	if err := c.call(ctx, c.token, c.tokABI, "getVotes", &votes, common.HexToAddress(string(addr))); err != nil {
		return nil, err
	}
	return votes, nil
}

// transact signs and submits a state-changing call and waits for the receipt.
func (c *client) transact(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) error {
	if c.key == nil {
		return fmt.Errorf("no signer configured: %s is a write operation", method)
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}

	from := crypto.PubkeyToAddress(c.key.PublicKey)

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to get nonce: %w", err))
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to get gas price: %w", err))
	}

	// Policy reverts (threshold, double vote) surface here, before anything
	// is submitted.
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &to,
		Data:     data,
		GasPrice: gasPrice,
	})
	if err != nil {
		return fmt.Errorf("failed to estimate gas for %s: %w", method, err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return fmt.Errorf("failed to sign %s transaction: %w", method, err)
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to send %s transaction: %w", method, err))
	}

	return c.waitMined(ctx, signedTx.Hash(), method)
}

// waitMined polls for the transaction receipt until mined or the context ends.
func (c *client) waitMined(ctx context.Context, txHash common.Hash, method string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%s transaction reverted: %s", method, txHash.Hex())
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return domain.NewRetryableError(fmt.Errorf("%s transaction %s not mined: %w", method, txHash.Hex(), ctx.Err()))
		case <-ticker.C:
		}
	}
}

// Propose submits a new proposal and returns its ledger id. The id is
// derived locally from the proposal content, matching the governor's own
// hashProposal computation.
func (c *client) Propose(ctx context.Context, actions []Action, description string) (*big.Int, error) {
	targets, values, calldatas := splitActions(actions)

	if err := c.transact(ctx, c.governor, c.govABI, "propose", targets, values, calldatas, description); err != nil {
		return nil, err
	}

	return c.HashProposal(actions, crypto.Keccak256Hash([]byte(description)))
}

// CastVote submits a vote on a proposal or vote item.
func (c *client) CastVote(ctx context.Context, proposalID *big.Int, support uint8) error {
	return c.transact(ctx, c.governor, c.govABI, "castVote", proposalID, support)
}

// Cancel cancels a proposal by content hash.
func (c *client) Cancel(ctx context.Context, actions []Action, descriptionHash common.Hash) error {
	targets, values, calldatas := splitActions(actions)
	return c.transact(ctx, c.governor, c.govABI, "cancel", targets, values, calldatas, descriptionHash)
}

// Execute executes a succeeded proposal's actions.
func (c *client) Execute(ctx context.Context, actions []Action, descriptionHash common.Hash) error {
	targets, values, calldatas := splitActions(actions)
	return c.transact(ctx, c.governor, c.govABI, "execute", targets, values, calldatas, descriptionHash)
}

// Delegate delegates the signer's voting weight to the given address.
func (c *client) Delegate(ctx context.Context, delegatee domain.Address) error {
	return c.transact(ctx, c.token, c.tokABI, "delegate", common.HexToAddress(string(delegatee)))
}

// HashProposal mirrors the governor's id computation:
// keccak256(abi.encode(targets, values, calldatas, descriptionHash)).
func (c *client) HashProposal(actions []Action, descriptionHash common.Hash) (*big.Int, error) {
	targets, values, calldatas := splitActions(actions)

	packed, err := c.hashArgs.Pack(targets, values, calldatas, [32]byte(descriptionHash))
	if err != nil {
		return nil, fmt.Errorf("failed to pack proposal hash input: %w", err)
	}

	return new(big.Int).SetBytes(crypto.Keccak256(packed)), nil
}

// PackTransfer packs a token transfer call for use as proposal calldata.
func (c *client) PackTransfer(to domain.Address, amount *big.Int) ([]byte, error) {
	data, err := c.tokABI.Pack("transfer", common.HexToAddress(string(to)), amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return data, nil
}

// SignerAddress returns the configured signer address.
func (c *client) SignerAddress() domain.Address {
	if c.key == nil {
		return ""
	}
	return domain.Address(crypto.PubkeyToAddress(c.key.PublicKey).Hex())
}

// GovernorAddress returns the governor contract address.
func (c *client) GovernorAddress() common.Address { return c.governor }

// TokenAddress returns the token contract address.
func (c *client) TokenAddress() common.Address { return c.token }

// Close closes the underlying connection.
func (c *client) Close() {
	c.eth.Close()
}

func splitActions(actions []Action) ([]common.Address, []*big.Int, [][]byte) {
	targets := make([]common.Address, len(actions))
	values := make([]*big.Int, len(actions))
	calldatas := make([][]byte, len(actions))
	for i, a := range actions {
		targets[i] = a.Target
		values[i] = a.Value
		calldatas[i] = a.Calldata
	}
	return targets, values, calldatas
}
