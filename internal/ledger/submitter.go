package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrConfirmTimeout reports a transaction that was sent but not observed
// as confirmed before the deadline. Its on-chain outcome is unknown.
var ErrConfirmTimeout = errors.New("transaction confirmation timed out")

// Submitter signs and lands transactions for the keeper.
type Submitter interface {
	// Submit sends one signed transaction carrying ixs and waits for it
	// to reach the client's commitment level.
	Submit(ctx context.Context, ixs []solana.Instruction) (solana.Signature, error)

	// Identity returns the signing public key.
	Identity() solana.PublicKey
}

// SubmitterConfig bounds a TxSender's behavior.
type SubmitterConfig struct {
	SkipPreflight    bool
	ComputeUnitLimit uint32 // 0 disables the limit instruction
	ComputeUnitPrice uint64 // micro-lamports; 0 disables the price instruction
	ConfirmTimeout   time.Duration
}

// TxSender implements Submitter over a JSON-RPC endpoint with a local
// signing key.
type TxSender struct {
	rpc        *rpc.Client
	signer     solana.PrivateKey
	commitment rpc.CommitmentType
	cfg        SubmitterConfig
}

// NewTxSender loads the keypair file and builds a sender sharing the
// reader's endpoint and commitment level.
func NewTxSender(rpcURL, commitment, keypairPath string, cfg SubmitterConfig) (*TxSender, error) {
	level, err := ParseCommitment(commitment)
	if err != nil {
		return nil, err
	}
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(keypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", keypairPath, err)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	return &TxSender{
		rpc:        rpc.New(rpcURL),
		signer:     signer,
		commitment: level,
		cfg:        cfg,
	}, nil
}

func (s *TxSender) Identity() solana.PublicKey { return s.signer.PublicKey() }

func (s *TxSender) Submit(ctx context.Context, ixs []solana.Instruction) (solana.Signature, error) {
	all := make([]solana.Instruction, 0, len(ixs)+2)
	if s.cfg.ComputeUnitLimit > 0 {
		limit, err := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return solana.Signature{}, fmt.Errorf("build compute unit limit: %w", err)
		}
		all = append(all, limit)
	}
	if s.cfg.ComputeUnitPrice > 0 {
		price, err := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPrice).ValidateAndBuild()
		if err != nil {
			return solana.Signature{}, fmt.Errorf("build compute unit price: %w", err)
		}
		all = append(all, price)
	}
	all = append(all, ixs...)

	blockhash, err := s.rpc.GetLatestBlockhash(ctx, s.commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(all, blockhash.Value.Blockhash, solana.TransactionPayer(s.signer.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.signer.PublicKey()) {
			return &s.signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}

	if err := s.confirm(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// confirm polls signature status until the commitment level is reached.
func (s *TxSender) confirm(ctx context.Context, sig solana.Signature) error {
	deadline := time.NewTimer(s.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrConfirmTimeout, sig)
		case <-ticker.C:
		}

		resp, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			continue // transient RPC failure, keep polling until deadline
		}
		if len(resp.Value) == 0 || resp.Value[0] == nil {
			continue
		}
		status := resp.Value[0]
		if status.Err != nil {
			return fmt.Errorf("transaction %s failed on chain: %v", sig, status.Err)
		}
		switch status.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return nil
		}
	}
}

// IsRecoverable reports whether a submission error is worth retrying with
// the same instruction. Blockhash expiry, node congestion, and unknown
// confirmation outcomes are recoverable; on-chain program rejections are
// not.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfirmTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"blockhash not found",
		"blockhash expired",
		"node is behind",
		"too many requests",
		"rate limit",
		"connection refused",
		"connection reset",
		"timeout",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
