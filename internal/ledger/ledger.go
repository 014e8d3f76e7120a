// Package ledger wraps the distributed ledger's RPC surface behind small
// read and write interfaces, and decodes the on-chain account schema into
// the projected row shapes. The program's instruction set is otherwise
// treated as opaque.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Account is one fetched ledger account with its raw data.
type Account struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// Reader is the read-only surface the sync engine and keeper consume.
type Reader interface {
	// CurrentSlot returns the ledger's current block height.
	CurrentSlot(ctx context.Context) (uint64, error)

	// ProgramAccounts fetches every account owned by program whose data
	// starts with the given 8-byte type discriminator.
	ProgramAccounts(ctx context.Context, program solana.PublicKey, discriminator [8]byte) ([]Account, error)

	// AccountInfo fetches a single account by address.
	AccountInfo(ctx context.Context, address solana.PublicKey) (*Account, error)
}

// Client implements Reader over a JSON-RPC endpoint.
type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

// NewClient builds a Reader for the given RPC endpoint. The commitment
// string is validated by config at startup.
func NewClient(rpcURL, commitment string) (*Client, error) {
	level, err := ParseCommitment(commitment)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: rpc.New(rpcURL), commitment: level}, nil
}

// ParseCommitment maps the config string onto the RPC commitment level.
func ParseCommitment(raw string) (rpc.CommitmentType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "processed":
		return rpc.CommitmentProcessed, nil
	case "", "confirmed":
		return rpc.CommitmentConfirmed, nil
	case "finalized":
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid commitment %q", raw)
	}
}

func (c *Client) CurrentSlot(ctx context.Context) (uint64, error) {
	slot, err := c.rpc.GetSlot(ctx, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

func (c *Client) ProgramAccounts(ctx context.Context, program solana.PublicKey, discriminator [8]byte) ([]Account, error) {
	resp, err := c.rpc.GetProgramAccountsWithOpts(ctx, program, &rpc.GetProgramAccountsOpts{
		Commitment: c.commitment,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(discriminator[:])}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get program accounts for %s: %w", program, err)
	}

	accounts := make([]Account, 0, len(resp))
	for _, item := range resp {
		if item == nil || item.Account == nil {
			continue
		}
		accounts = append(accounts, Account{
			Address:  item.Pubkey,
			Owner:    item.Account.Owner,
			Lamports: item.Account.Lamports,
			Data:     item.Account.Data.GetBinary(),
		})
	}
	return accounts, nil
}

func (c *Client) AccountInfo(ctx context.Context, address solana.PublicKey) (*Account, error) {
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("account %s not found", address)
	}
	return &Account{
		Address:  address,
		Owner:    resp.Value.Owner,
		Lamports: resp.Value.Lamports,
		Data:     resp.Value.Data.GetBinary(),
	}, nil
}
