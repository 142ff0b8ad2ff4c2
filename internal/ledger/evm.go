package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// EVMOptions parameterise the EVM receipt adapter.
type EVMOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// EVM resolves transaction hashes through an Ethereum-compatible JSON-RPC node.
// A mined receipt maps to a Status whose Slot is the block number.
type EVM struct {
	opts      EVMOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEVM builds an EVM ledger client.
func NewEVM(opts EVMOptions, logger zerolog.Logger) *EVM {
	return &EVM{opts: opts, logger: logger.With().Str("component", "evm_ledger").Logger()}
}

// GetStatus reads the transaction receipt. Pending or unknown hashes return nil.
func (e *EVM) GetStatus(ctx context.Context, signature string) (*Status, error) {
	hash, err := parseHash(signature)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("transaction receipt: %w", err)
	}

	status := &Status{}
	if receipt.BlockNumber != nil {
		status.Slot = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusFailed {
		status.Err = "execution reverted"
	}
	return status, nil
}

// GetDetails derives the fee (wei) from the receipt and the accounts from the
// transaction's sender and recipient.
func (e *EVM) GetDetails(ctx context.Context, signature string) (*Details, error) {
	hash, err := parseHash(signature)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("transaction receipt: %w", err)
	}

	details := &Details{}
	if receipt.EffectiveGasPrice != nil {
		fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
		details.Fee = decimal.NewFromBigInt(fee, 0)
	}

	tx, _, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("transaction by hash: %w", err)
	}

	if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		details.Accounts = append(details.Accounts, from.Hex())
	} else {
		e.logger.Debug().Err(err).Str("signature", signature).Msg("recover sender failed")
	}
	if to := tx.To(); to != nil {
		details.Accounts = append(details.Accounts, to.Hex())
	}
	return details, nil
}

func (e *EVM) getClient(ctx context.Context) (*ethclient.Client, error) {
	if e.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

func (e *EVM) timeout() time.Duration {
	if e.opts.Timeout <= 0 {
		return 10 * time.Second
	}
	return e.opts.Timeout
}

func parseHash(signature string) (common.Hash, error) {
	raw := common.FromHex(signature)
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", signature)
	}
	return common.BytesToHash(raw), nil
}

var _ Client = (*EVM)(nil)
