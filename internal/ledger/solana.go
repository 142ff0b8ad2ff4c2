package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SolanaOptions parameterise the Solana RPC adapter.
type SolanaOptions struct {
	RPCURL     string
	Commitment string
	Timeout    time.Duration
}

// Solana resolves signatures through a Solana JSON-RPC node.
type Solana struct {
	opts      SolanaOptions
	logger    zerolog.Logger
	client    *rpc.Client
	clientMux sync.Mutex
}

// NewSolana builds a Solana ledger client.
func NewSolana(opts SolanaOptions, logger zerolog.Logger) *Solana {
	return &Solana{opts: opts, logger: logger.With().Str("component", "solana_ledger").Logger()}
}

// GetStatus queries getSignatureStatuses for a single signature.
func (s *Solana) GetStatus(ctx context.Context, signature string) (*Status, error) {
	client, sig, err := s.prepare(signature)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	res, err := client.GetSignatureStatuses(ctx, false, sig)
	if err != nil {
		return nil, errors.Wrap(err, "error in GetSignatureStatuses")
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return nil, nil
	}

	value := res.Value[0]
	status := &Status{Slot: value.Slot}
	if value.Err != nil {
		status.Err = encodeTxError(value.Err)
	}
	return status, nil
}

// GetDetails fetches the transaction to read its fee (lamports) and account keys.
func (s *Solana) GetDetails(ctx context.Context, signature string) (*Details, error) {
	client, sig, err := s.prepare(signature)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	version := uint64(0) // legacy + v0
	res, err := client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     s.commitment(),
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "error in GetTransaction")
	}
	if res == nil {
		return nil, nil
	}

	details := &Details{}
	if res.Meta != nil {
		details.Fee = decimal.NewFromBigInt(new(big.Int).SetUint64(res.Meta.Fee), 0)
	}

	if res.Transaction != nil {
		tx, err := res.Transaction.GetTransaction()
		if err != nil {
			return nil, errors.Wrap(err, "decode transaction")
		}
		details.Accounts = make([]string, 0, len(tx.Message.AccountKeys))
		for _, key := range tx.Message.AccountKeys {
			details.Accounts = append(details.Accounts, key.String())
		}
	}
	return details, nil
}

func (s *Solana) prepare(signature string) (*rpc.Client, solana.Signature, error) {
	if s.opts.RPCURL == "" {
		return nil, solana.Signature{}, errors.New("solana rpc url not configured")
	}
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, solana.Signature{}, fmt.Errorf("parse signature: %w", err)
	}
	return s.getClient(), sig, nil
}

func (s *Solana) getClient() *rpc.Client {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()

	if s.client == nil {
		s.client = rpc.New(s.opts.RPCURL)
	}
	return s.client
}

func (s *Solana) timeout() time.Duration {
	if s.opts.Timeout <= 0 {
		return 10 * time.Second
	}
	return s.opts.Timeout
}

func (s *Solana) commitment() rpc.CommitmentType {
	if s.opts.Commitment == "" {
		return rpc.CommitmentConfirmed
	}
	return rpc.CommitmentType(s.opts.Commitment)
}

// encodeTxError renders the instruction error as compact JSON.
func encodeTxError(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

var _ Client = (*Solana)(nil)
