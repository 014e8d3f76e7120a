package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	executeOrderDiscriminator = instructionDiscriminator("execute_order")
	cancelExpiredOrderDisc    = instructionDiscriminator("cancel_expired_order")
)

// OrderAddress derives the order account PDA for a margin account and
// nonce, mirroring the program's seeds ["order", margin_account, nonce].
func OrderAddress(program, marginAccount solana.PublicKey, nonce uint64) (solana.PublicKey, error) {
	var nonceBytes [8]byte
	binary.LittleEndian.PutUint64(nonceBytes[:], nonce)
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("order"), marginAccount.Bytes(), nonceBytes[:]},
		program,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive order address (nonce %d): %w", nonce, err)
	}
	return addr, nil
}

// PositionAddress derives the per-market position PDA for a margin
// account, mirroring the program's seeds ["position", margin_account,
// market_id].
func PositionAddress(program, marginAccount solana.PublicKey, marketID uint64) (solana.PublicKey, error) {
	var marketBytes [8]byte
	binary.LittleEndian.PutUint64(marketBytes[:], marketID)
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("position"), marginAccount.Bytes(), marketBytes[:]},
		program,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive position address (market %d): %w", marketID, err)
	}
	return addr, nil
}

// ExecuteOrderParams carries the oracle evidence passed to the program
// alongside the executed order.
type ExecuteOrderParams struct {
	Program       solana.PublicKey
	Executor      solana.PublicKey
	Order         solana.PublicKey
	MarginAccount solana.PublicKey
	Position      solana.PublicKey
	OraclePrice   uint64 // base units
	OracleConf    uint64 // base units
	PublishTime   int64  // unix seconds
}

// NewExecuteOrderInstruction builds the keeper's execute_order call. The
// program re-checks the trigger condition on-chain; the keeper only
// supplies the price evidence it acted on.
func NewExecuteOrderInstruction(p ExecuteOrderParams) solana.Instruction {
	data := make([]byte, 0, 8+8+8+8)
	data = append(data, executeOrderDiscriminator[:]...)
	data = binary.LittleEndian.AppendUint64(data, p.OraclePrice)
	data = binary.LittleEndian.AppendUint64(data, p.OracleConf)
	data = binary.LittleEndian.AppendUint64(data, uint64(p.PublishTime))

	return solana.NewInstruction(p.Program, solana.AccountMetaSlice{
		solana.NewAccountMeta(p.Executor, true, true),
		solana.NewAccountMeta(p.Order, true, false),
		solana.NewAccountMeta(p.MarginAccount, true, false),
		solana.NewAccountMeta(p.Position, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data)
}

// NewCancelExpiredOrderInstruction builds the executor-side cancel for an
// order whose expiry has passed. Takes no arguments beyond the accounts;
// the program validates expiry against the on-chain clock.
func NewCancelExpiredOrderInstruction(program, executor, marginAccount, order solana.PublicKey) solana.Instruction {
	data := make([]byte, 0, 8)
	data = append(data, cancelExpiredOrderDisc[:]...)

	return solana.NewInstruction(program, solana.AccountMetaSlice{
		solana.NewAccountMeta(executor, true, true),
		solana.NewAccountMeta(marginAccount, true, false),
		solana.NewAccountMeta(order, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data)
}
