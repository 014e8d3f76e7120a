package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/model"
)

// baseExponent converts the program's fixed-point u64 amounts (1e6 base
// units) into decimals.
const baseExponent = -6

const (
	orderAccountLen    = 125
	positionAccountLen = 105
)

var (
	// OrderDiscriminator tags order accounts in program-account scans.
	OrderDiscriminator = accountDiscriminator("Order")

	// PositionDiscriminator tags per-market position accounts.
	PositionDiscriminator = accountDiscriminator("Position")
)

// accountDiscriminator derives the 8-byte account type tag the program
// prepends to every account of the named type.
func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var disc [8]byte
	copy(disc[:], sum[:8])
	return disc
}

// instructionDiscriminator derives the 8-byte tag for the named program
// instruction.
func instructionDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var disc [8]byte
	copy(disc[:], sum[:8])
	return disc
}

type accountReader struct {
	data []byte
	off  int
}

func (r *accountReader) u8() uint8 {
	v := r.data[r.off]
	r.off++
	return v
}

func (r *accountReader) boolean() bool { return r.u8() != 0 }

func (r *accountReader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *accountReader) i64() int64 { return int64(r.u64()) }

func (r *accountReader) pubkey() string {
	key := solana.PublicKeyFromBytes(r.data[r.off : r.off+32])
	r.off += 32
	return key.String()
}

// amount reads a u64 fixed-point value as a decimal.
func (r *accountReader) amount() decimal.Decimal {
	return decimal.NewFromUint64(r.u64()).Shift(baseExponent)
}

// signedAmount reads an i64 fixed-point value as a decimal.
func (r *accountReader) signedAmount() decimal.Decimal {
	return decimal.NewFromInt(r.i64()).Shift(baseExponent)
}

func checkAccount(acc Account, disc [8]byte, wantLen int, kind string) error {
	if len(acc.Data) != wantLen {
		return fmt.Errorf("%s account %s: %d bytes, want %d", kind, acc.Address, len(acc.Data), wantLen)
	}
	for i := range disc {
		if acc.Data[i] != disc[i] {
			return fmt.Errorf("%s account %s: discriminator mismatch", kind, acc.Address)
		}
	}
	return nil
}

// DecodeOrder parses an order account's bytes into the projected row
// shape. Layout after the discriminator: nonce u64, owner pubkey,
// margin-account pubkey, market id u64, side u8, order type u8,
// reduce-only u8, size u64, limit price u64, created-at i64,
// expires-at i64, status u8, bump u8; all integers little-endian.
func DecodeOrder(acc Account, slot uint64) (model.Order, error) {
	if err := checkAccount(acc, OrderDiscriminator, orderAccountLen, "order"); err != nil {
		return model.Order{}, err
	}

	r := &accountReader{data: acc.Data, off: 8}
	order := model.Order{
		Address: acc.Address.String(),
		Nonce:   r.u64(),
		Slot:    slot,
	}
	order.Owner = r.pubkey()
	order.MarginAccount = r.pubkey()
	order.MarketID = r.u64()

	side := r.u8()
	if side > uint8(model.SideSell) {
		return model.Order{}, fmt.Errorf("order account %s: invalid side %d", acc.Address, side)
	}
	order.Side = model.Side(side)

	orderType := r.u8()
	if orderType > uint8(model.OrderTypeLimit) {
		return model.Order{}, fmt.Errorf("order account %s: invalid order type %d", acc.Address, orderType)
	}
	order.Type = model.OrderType(orderType)

	order.ReduceOnly = r.boolean()
	order.Size = r.amount()
	order.LimitPrice = r.amount()
	order.CreatedAt = r.i64()
	order.ExpiresAt = r.i64()

	status := r.u8()
	if status > uint8(model.OrderStatusExpired) {
		return model.Order{}, fmt.Errorf("order account %s: invalid status %d", acc.Address, status)
	}
	order.Status = model.OrderStatus(status)
	return order, nil
}

// DecodePosition parses a position account's bytes. Layout after the
// discriminator: owner pubkey, margin-account pubkey, market id u64,
// size i64 (signed, positive long), entry price u64, margin u64, bump u8.
func DecodePosition(acc Account, slot uint64) (model.Position, error) {
	if err := checkAccount(acc, PositionDiscriminator, positionAccountLen, "position"); err != nil {
		return model.Position{}, err
	}

	r := &accountReader{data: acc.Data, off: 8}
	pos := model.Position{
		Address: acc.Address.String(),
		Slot:    slot,
	}
	pos.Owner = r.pubkey()
	pos.MarginAccount = r.pubkey()
	pos.MarketID = r.u64()
	pos.Size = r.signedAmount()
	pos.EntryPrice = r.amount()
	pos.Margin = r.amount()
	return pos, nil
}

// ToBaseUnits converts a decimal amount back to the program's u64
// fixed-point representation, truncating excess precision.
func ToBaseUnits(d decimal.Decimal) uint64 {
	return uint64(d.Shift(-baseExponent).IntPart())
}
