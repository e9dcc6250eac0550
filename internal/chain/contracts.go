package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Minimal ABIs for the racing escrow and reward contracts. Only the events
// the indexer consumes and the functions the submitter calls.
const escrowABI = `[
	{"name":"MatchCreated","type":"event","inputs":[
		{"name":"matchId","type":"uint256","indexed":true},
		{"name":"creator","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"name":"MatchJoined","type":"event","inputs":[
		{"name":"matchId","type":"uint256","indexed":true},
		{"name":"player","type":"address","indexed":true}]},
	{"name":"DepositReceived","type":"event","inputs":[
		{"name":"matchId","type":"uint256","indexed":true},
		{"name":"player","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"name":"MatchSettled","type":"event","inputs":[
		{"name":"matchId","type":"uint256","indexed":true},
		{"name":"winner","type":"address","indexed":false},
		{"name":"payout","type":"uint256","indexed":false},
		{"name":"kind","type":"uint8","indexed":false}]},
	{"name":"settleMatch","type":"function","inputs":[
		{"name":"matchId","type":"uint256"},
		{"name":"winner","type":"address"},
		{"name":"kind","type":"uint8"}],"outputs":[]}
]`

const rewardABI = `[
	{"name":"RewardReleased","type":"event","inputs":[
		{"name":"recipient","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"proofHash","type":"bytes32","indexed":false}]},
	{"name":"releaseReward","type":"function","inputs":[
		{"name":"recipient","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"proofHash","type":"bytes32"}],"outputs":[]}
]`

// Event names as they appear in chain_events rows.
const (
	EvMatchCreated    = "MatchCreated"
	EvMatchJoined     = "MatchJoined"
	EvDepositReceived = "DepositReceived"
	EvMatchSettled    = "MatchSettled"
	EvRewardReleased  = "RewardReleased"
)

var (
	parsedEscrowABI = mustABI(escrowABI)
	parsedRewardABI = mustABI(rewardABI)

	sigMatchCreated    = crypto.Keccak256Hash([]byte("MatchCreated(uint256,address,uint256)"))
	sigMatchJoined     = crypto.Keccak256Hash([]byte("MatchJoined(uint256,address)"))
	sigDepositReceived = crypto.Keccak256Hash([]byte("DepositReceived(uint256,address,uint256)"))
	sigMatchSettled    = crypto.Keccak256Hash([]byte("MatchSettled(uint256,address,uint256,uint8)"))
	sigRewardReleased  = crypto.Keccak256Hash([]byte("RewardReleased(address,uint256,bytes32)"))
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Topics returns the topic0 filter covering every contract event we index.
func Topics() []common.Hash {
	return []common.Hash{
		sigMatchCreated, sigMatchJoined, sigDepositReceived, sigMatchSettled, sigRewardReleased,
	}
}

// DecodeLog decodes a raw log into the event name and a flat argument map.
// ok=false means the topic is not one of ours; the caller skips it.
func DecodeLog(log types.Log) (name string, args map[string]interface{}, ok bool, err error) {
	if len(log.Topics) == 0 {
		return "", nil, false, nil
	}

	var (
		contract abi.ABI
	)
	switch log.Topics[0] {
	case sigMatchCreated:
		name, contract = EvMatchCreated, parsedEscrowABI
	case sigMatchJoined:
		name, contract = EvMatchJoined, parsedEscrowABI
	case sigDepositReceived:
		name, contract = EvDepositReceived, parsedEscrowABI
	case sigMatchSettled:
		name, contract = EvMatchSettled, parsedEscrowABI
	case sigRewardReleased:
		name, contract = EvRewardReleased, parsedRewardABI
	default:
		return "", nil, false, nil
	}

	event := contract.Events[name]
	args = make(map[string]interface{})

	if len(log.Data) > 0 {
		if err := event.Inputs.UnpackIntoMap(args, log.Data); err != nil {
			return name, nil, true, fmt.Errorf("unpack %s data: %w", name, err)
		}
	}

	indexed := make(abi.Arguments, 0, len(event.Inputs))
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return name, nil, true, fmt.Errorf("parse %s topics: %w", name, err)
	}

	return name, normalizeArgs(args), true, nil
}

// normalizeArgs converts ABI types into JSON-friendly values: big.Int to
// decimal strings, addresses and hashes to hex.
func normalizeArgs(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		switch v := value.(type) {
		case *big.Int:
			out[key] = v.String()
		case common.Address:
			out[key] = strings.ToLower(v.Hex())
		case common.Hash:
			out[key] = v.Hex()
		case [32]byte:
			out[key] = common.BytesToHash(v[:]).Hex()
		default:
			out[key] = v
		}
	}
	return out
}
