package eligibility

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainReader is the single on-chain surface the evaluator needs: an ERC-20
// balance read pinned to a historical block, plus the chain head for
// environments without a finalized snapshot.
type ChainReader interface {
	TokenBalanceAt(ctx context.Context, token, account common.Address, block *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

const balanceOfABI = `[{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"uint256"}]}]`

type ethReader struct {
	client   *ethclient.Client
	tokenABI abi.ABI
}

// NewChainReader wraps an ethclient for snapshot balance reads.
func NewChainReader(client *ethclient.Client) (ChainReader, error) {
	tokenABI, err := abi.JSON(strings.NewReader(balanceOfABI))
	if err != nil {
		return nil, fmt.Errorf("parse balanceOf ABI: %w", err)
	}
	return &ethReader{client: client, tokenABI: tokenABI}, nil
}

func (r *ethReader) TokenBalanceAt(ctx context.Context, token, account common.Address, block *big.Int) (*big.Int, error) {
	data, err := r.tokenABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf call: %w", err)
	}

	result, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}

	outputs, err := r.tokenABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf result: %w", err)
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf output type %T", outputs[0])
	}
	return balance, nil
}

func (r *ethReader) BlockNumber(ctx context.Context) (uint64, error) {
	return r.client.BlockNumber(ctx)
}
