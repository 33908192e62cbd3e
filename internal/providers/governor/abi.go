package governor

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event signatures emitted by the governor contract.
var (
	// ProposalCreated(uint256 proposalId, address proposer, address[] targets,
	// uint256[] values, string[] signatures, bytes[] calldatas,
	// uint256 voteStart, uint256 voteEnd, string description)
	proposalCreatedSignature = crypto.Keccak256Hash([]byte("ProposalCreated(uint256,address,address[],uint256[],string[],bytes[],uint256,uint256,string)"))

	// VoteCast(address indexed voter, uint256 proposalId, uint8 support, uint256 weight, string reason)
	voteCastSignature = crypto.Keccak256Hash([]byte("VoteCast(address,uint256,uint8,uint256,string)"))

	// ProposalCanceled(uint256 proposalId)
	proposalCanceledSignature = crypto.Keccak256Hash([]byte("ProposalCanceled(uint256)"))

	// ProposalExecuted(uint256 proposalId)
	proposalExecutedSignature = crypto.Keccak256Hash([]byte("ProposalExecuted(uint256)"))
)

const governorABIJSON = `[
	{"type":"event","name":"ProposalCreated","anonymous":false,"inputs":[
		{"name":"proposalId","type":"uint256","indexed":false},
		{"name":"proposer","type":"address","indexed":false},
		{"name":"targets","type":"address[]","indexed":false},
		{"name":"values","type":"uint256[]","indexed":false},
		{"name":"signatures","type":"string[]","indexed":false},
		{"name":"calldatas","type":"bytes[]","indexed":false},
		{"name":"voteStart","type":"uint256","indexed":false},
		{"name":"voteEnd","type":"uint256","indexed":false},
		{"name":"description","type":"string","indexed":false}]},
	{"type":"event","name":"VoteCast","anonymous":false,"inputs":[
		{"name":"voter","type":"address","indexed":true},
		{"name":"proposalId","type":"uint256","indexed":false},
		{"name":"support","type":"uint8","indexed":false},
		{"name":"weight","type":"uint256","indexed":false},
		{"name":"reason","type":"string","indexed":false}]},
	{"type":"event","name":"ProposalCanceled","anonymous":false,"inputs":[
		{"name":"proposalId","type":"uint256","indexed":false}]},
	{"type":"event","name":"ProposalExecuted","anonymous":false,"inputs":[
		{"name":"proposalId","type":"uint256","indexed":false}]},
	{"type":"function","name":"propose","stateMutability":"nonpayable","inputs":[
		{"name":"targets","type":"address[]"},
		{"name":"values","type":"uint256[]"},
		{"name":"calldatas","type":"bytes[]"},
		{"name":"description","type":"string"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"castVote","stateMutability":"nonpayable","inputs":[
		{"name":"proposalId","type":"uint256"},
		{"name":"support","type":"uint8"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[
		{"name":"targets","type":"address[]"},
		{"name":"values","type":"uint256[]"},
		{"name":"calldatas","type":"bytes[]"},
		{"name":"descriptionHash","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"execute","stateMutability":"payable","inputs":[
		{"name":"targets","type":"address[]"},
		{"name":"values","type":"uint256[]"},
		{"name":"calldatas","type":"bytes[]"},
		{"name":"descriptionHash","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"state","stateMutability":"view","inputs":[
		{"name":"proposalId","type":"uint256"}],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"proposalDeadline","stateMutability":"view","inputs":[
		{"name":"proposalId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"quorum","stateMutability":"view","inputs":[
		{"name":"timepoint","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const tokenABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getVotes","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"delegates","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"delegate","stateMutability":"nonpayable","inputs":[
		{"name":"delegatee","type":"address"}],"outputs":[]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

func parseABIs() (abi.ABI, abi.ABI, error) {
	govABI, err := abi.JSON(strings.NewReader(governorABIJSON))
	if err != nil {
		return abi.ABI{}, abi.ABI{}, fmt.Errorf("failed to parse governor ABI: %w", err)
	}

	tokABI, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		return abi.ABI{}, abi.ABI{}, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	return govABI, tokABI, nil
}
