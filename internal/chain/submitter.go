package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Submitter submits signed contract calls and returns the transaction hash.
// The services treat it as an opaque capability: hash on success, error on
// anything else.
type Submitter interface {
	// SubmitReward calls reward.releaseReward(recipient, amount, proofHash).
	SubmitReward(ctx context.Context, recipient string, amountWei *big.Int, proofHash [32]byte) (string, error)

	// SubmitMatchSettlement calls escrow.settleMatch(matchId, winner, kind).
	SubmitMatchSettlement(ctx context.Context, onchainMatchID uint64, winner string, kind uint8) (string, error)
}

const submitGasLimit = 200_000

// Wallet is a Submitter backed by a hot operator key.
type Wallet struct {
	client     *Client
	key        *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	escrowAddr common.Address
	rewardAddr common.Address
}

// NewWallet builds a Wallet from a hex private key and the two contract
// addresses. The chain id is fetched once at construction.
func NewWallet(ctx context.Context, client *Client, privateKeyHex, escrowAddr, rewardAddr string) (*Wallet, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return &Wallet{
		client:     client,
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		escrowAddr: common.HexToAddress(escrowAddr),
		rewardAddr: common.HexToAddress(rewardAddr),
	}, nil
}

func (w *Wallet) SubmitReward(ctx context.Context, recipient string, amountWei *big.Int, proofHash [32]byte) (string, error) {
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("invalid recipient address %q", recipient)
	}
	data, err := parsedRewardABI.Pack("releaseReward", common.HexToAddress(recipient), amountWei, proofHash)
	if err != nil {
		return "", fmt.Errorf("pack releaseReward: %w", err)
	}
	return w.send(ctx, w.rewardAddr, data)
}

func (w *Wallet) SubmitMatchSettlement(ctx context.Context, onchainMatchID uint64, winner string, kind uint8) (string, error) {
	winnerAddr := common.Address{}
	if winner != "" {
		if !common.IsHexAddress(winner) {
			return "", fmt.Errorf("invalid winner address %q", winner)
		}
		winnerAddr = common.HexToAddress(winner)
	}
	data, err := parsedEscrowABI.Pack("settleMatch", new(big.Int).SetUint64(onchainMatchID), winnerAddr, kind)
	if err != nil {
		return "", fmt.Errorf("pack settleMatch: %w", err)
	}
	return w.send(ctx, w.escrowAddr, data)
}

func (w *Wallet) send(ctx context.Context, to common.Address, data []byte) (string, error) {
	eth := w.client.Eth()

	nonce, err := eth.PendingNonceAt(ctx, w.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      submitGasLimit,
		To:       &to,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// RewardProofHash derives the on-chain proof of one (session, seq) reward.
func RewardProofHash(sessionID string, seq uint64) [32]byte {
	var seqBuf [8]byte
	for i := 0; i < 8; i++ {
		seqBuf[7-i] = byte(seq >> (8 * i))
	}
	return [32]byte(crypto.Keccak256Hash([]byte(sessionID), seqBuf[:]))
}
