package ledger

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/model"
)

func testKey(seed byte) solana.PublicKey {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = seed
	}
	return solana.PublicKeyFromBytes(raw)
}

type accountWriter struct{ buf bytes.Buffer }

func (w *accountWriter) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *accountWriter) u64(v uint64) { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *accountWriter) i64(v int64)  { w.u64(uint64(v)) }

func (w *accountWriter) flag(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *accountWriter) pubkey(k solana.PublicKey) {
	w.buf.Write(k.Bytes())
}

func encodeOrderAccount(t *testing.T, nonce uint64, owner, margin solana.PublicKey, marketID uint64,
	side, orderType uint8, reduceOnly bool, size, limitPrice uint64, createdAt, expiresAt int64, status uint8) []byte {
	t.Helper()
	w := &accountWriter{}
	w.buf.Write(OrderDiscriminator[:])
	w.u64(nonce)
	w.pubkey(owner)
	w.pubkey(margin)
	w.u64(marketID)
	w.u8(side)
	w.u8(orderType)
	w.flag(reduceOnly)
	w.u64(size)
	w.u64(limitPrice)
	w.i64(createdAt)
	w.i64(expiresAt)
	w.u8(status)
	w.u8(255) // bump
	return w.buf.Bytes()
}

func encodePositionAccount(t *testing.T, owner, margin solana.PublicKey, marketID uint64,
	size int64, entryPrice, marginAmt uint64) []byte {
	t.Helper()
	w := &accountWriter{}
	w.buf.Write(PositionDiscriminator[:])
	w.pubkey(owner)
	w.pubkey(margin)
	w.u64(marketID)
	w.i64(size)
	w.u64(entryPrice)
	w.u64(marginAmt)
	w.u8(254) // bump
	return w.buf.Bytes()
}

func TestDecodeOrder(t *testing.T) {
	owner := testKey(1)
	margin := testKey(2)
	addr := testKey(3)

	data := encodeOrderAccount(t, 42, owner, margin, 7,
		uint8(model.SideSell), uint8(model.OrderTypeLimit), true,
		1_500_000, 50_000_000_000, 1700000000, 1700086400, uint8(model.OrderStatusOpen))

	order, err := DecodeOrder(Account{Address: addr, Data: data}, 9001)
	if err != nil {
		t.Fatalf("DecodeOrder: %v", err)
	}

	if order.Nonce != 42 {
		t.Errorf("nonce = %d, want 42", order.Nonce)
	}
	if order.Owner != owner.String() || order.MarginAccount != margin.String() {
		t.Errorf("owner/margin mismatch: %s / %s", order.Owner, order.MarginAccount)
	}
	if order.MarketID != 7 {
		t.Errorf("market = %d, want 7", order.MarketID)
	}
	if order.Side != model.SideSell || order.Type != model.OrderTypeLimit || !order.ReduceOnly {
		t.Errorf("side/type/reduceOnly = %v/%v/%v", order.Side, order.Type, order.ReduceOnly)
	}
	if want := decimal.RequireFromString("1.5"); !order.Size.Equal(want) {
		t.Errorf("size = %s, want %s", order.Size, want)
	}
	if want := decimal.RequireFromString("50000"); !order.LimitPrice.Equal(want) {
		t.Errorf("limit price = %s, want %s", order.LimitPrice, want)
	}
	if order.CreatedAt != 1700000000 || order.ExpiresAt != 1700086400 {
		t.Errorf("created/expires = %d/%d", order.CreatedAt, order.ExpiresAt)
	}
	if order.Status != model.OrderStatusOpen {
		t.Errorf("status = %v, want open", order.Status)
	}
	if order.Slot != 9001 {
		t.Errorf("slot = %d, want 9001", order.Slot)
	}
}

func TestDecodeOrderRejectsCorruptAccounts(t *testing.T) {
	good := encodeOrderAccount(t, 1, testKey(1), testKey(2), 1,
		0, 0, false, 1, 0, 0, 0, 0)

	badDisc := append([]byte(nil), good...)
	badDisc[0] ^= 0xff
	if _, err := DecodeOrder(Account{Address: testKey(9), Data: badDisc}, 1); err == nil {
		t.Error("expected discriminator mismatch error")
	}

	if _, err := DecodeOrder(Account{Address: testKey(9), Data: good[:len(good)-1]}, 1); err == nil {
		t.Error("expected length error for truncated account")
	}

	badSide := encodeOrderAccount(t, 1, testKey(1), testKey(2), 1,
		9, 0, false, 1, 0, 0, 0, 0)
	if _, err := DecodeOrder(Account{Address: testKey(9), Data: badSide}, 1); err == nil {
		t.Error("expected invalid side error")
	}

	badStatus := encodeOrderAccount(t, 1, testKey(1), testKey(2), 1,
		0, 0, false, 1, 0, 0, 0, 9)
	if _, err := DecodeOrder(Account{Address: testKey(9), Data: badStatus}, 1); err == nil {
		t.Error("expected invalid status error")
	}
}

func TestDecodePosition(t *testing.T) {
	owner := testKey(4)
	margin := testKey(5)

	data := encodePositionAccount(t, owner, margin, 3, -2_000_000, 48_500_000_000, 10_000_000)
	pos, err := DecodePosition(Account{Address: testKey(6), Data: data}, 500)
	if err != nil {
		t.Fatalf("DecodePosition: %v", err)
	}

	if want := decimal.RequireFromString("-2"); !pos.Size.Equal(want) {
		t.Errorf("size = %s, want %s (short positions are negative)", pos.Size, want)
	}
	if want := decimal.RequireFromString("48500"); !pos.EntryPrice.Equal(want) {
		t.Errorf("entry price = %s, want %s", pos.EntryPrice, want)
	}
	if want := decimal.RequireFromString("10"); !pos.Margin.Equal(want) {
		t.Errorf("margin = %s, want %s", pos.Margin, want)
	}
	if pos.MarketID != 3 || pos.Owner != owner.String() {
		t.Errorf("market/owner = %d/%s", pos.MarketID, pos.Owner)
	}
}

func TestOrderAddressDeterministic(t *testing.T) {
	program := testKey(10)
	margin := testKey(11)

	first, err := OrderAddress(program, margin, 1)
	if err != nil {
		t.Fatalf("OrderAddress: %v", err)
	}
	again, err := OrderAddress(program, margin, 1)
	if err != nil {
		t.Fatalf("OrderAddress: %v", err)
	}
	if !first.Equals(again) {
		t.Error("same seeds derived different addresses")
	}

	other, err := OrderAddress(program, margin, 2)
	if err != nil {
		t.Fatalf("OrderAddress: %v", err)
	}
	if first.Equals(other) {
		t.Error("different nonces derived the same address")
	}
}

func TestToBaseUnits(t *testing.T) {
	if got := ToBaseUnits(decimal.RequireFromString("1.5")); got != 1_500_000 {
		t.Errorf("ToBaseUnits(1.5) = %d, want 1500000", got)
	}
	if got := ToBaseUnits(decimal.RequireFromString("0.0000009")); got != 0 {
		t.Errorf("ToBaseUnits truncates sub-unit precision, got %d", got)
	}
}
