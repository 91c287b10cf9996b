package escrow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// contractABI covers the three escrow primitives the settlement daemon uses.
const contractABI = `[
  {"type":"function","name":"getGame","stateMutability":"view","inputs":[{"name":"gameId","type":"uint256"}],"outputs":[{"name":"isActive","type":"bool"},{"name":"isSettled","type":"bool"},{"name":"totalCollected","type":"uint256"},{"name":"entryFee","type":"uint256"},{"name":"currency","type":"string"}]},
  {"type":"function","name":"refundPlayer","stateMutability":"nonpayable","inputs":[{"name":"gameId","type":"uint256"},{"name":"player","type":"address"}],"outputs":[]},
  {"type":"function","name":"settleGame","stateMutability":"nonpayable","inputs":[{"name":"gameId","type":"uint256"},{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]}
]`

// GameState is the escrow contract's view of one game, read fresh before every
// mutating call and never trusted from a prior read.
type GameState struct {
	Active         bool
	Settled        bool
	TotalCollected *big.Int
	EntryFee       *big.Int
	Currency       string
}

// Client talks to one escrow contract instance. Reads go through eth_call;
// refund and settle submissions are signed with the operator key.
type Client struct {
	address  common.Address
	contract *bind.BoundContract
	opts     *bind.TransactOpts
}

// NewClient binds the escrow contract at the provided address. The key signs
// refund and settlement transactions.
func NewClient(backend bind.ContractBackend, address common.Address, key *ecdsa.PrivateKey, chainID *big.Int) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("escrow: backend required")
	}
	if (address == common.Address{}) {
		return nil, fmt.Errorf("escrow: contract address required")
	}
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("escrow: parse abi: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("escrow: bind signer: %w", err)
	}
	return &Client{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		opts:     opts,
	}, nil
}

// Address returns the bound contract address.
func (c *Client) Address() common.Address {
	return c.address
}

// GetGame reads the contract's authoritative view of a game.
func (c *Client) GetGame(ctx context.Context, gameID *big.Int) (*GameState, error) {
	if gameID == nil {
		return nil, fmt.Errorf("escrow: game id required")
	}
	var out []interface{}
	callOpts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(callOpts, &out, "getGame", gameID); err != nil {
		return nil, fmt.Errorf("escrow: getGame %s: %w", gameID, err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("escrow: getGame %s: unexpected output arity %d", gameID, len(out))
	}
	state := &GameState{
		Active:         *abi.ConvertType(out[0], new(bool)).(*bool),
		Settled:        *abi.ConvertType(out[1], new(bool)).(*bool),
		TotalCollected: abi.ConvertType(out[2], new(big.Int)).(*big.Int),
		EntryFee:       abi.ConvertType(out[3], new(big.Int)).(*big.Int),
		Currency:       *abi.ConvertType(out[4], new(string)).(*string),
	}
	return state, nil
}

// RefundPlayer submits a refund for the supplied payer address and returns the
// transaction hash before confirmation. Once broadcast the transaction is
// irrevocable; the caller must persist the hash immediately.
func (c *Client) RefundPlayer(ctx context.Context, gameID *big.Int, player common.Address) (common.Hash, error) {
	if gameID == nil {
		return common.Hash{}, fmt.Errorf("escrow: game id required")
	}
	if (player == common.Address{}) {
		return common.Hash{}, fmt.Errorf("escrow: player address required")
	}
	opts := *c.opts
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, "refundPlayer", gameID, player)
	if err != nil {
		return common.Hash{}, fmt.Errorf("escrow: refundPlayer %s: %w", gameID, err)
	}
	return tx.Hash(), nil
}

// SettleGame submits the full payout in one call and returns the transaction hash.
func (c *Client) SettleGame(ctx context.Context, gameID *big.Int, recipients []common.Address, amounts []*big.Int) (common.Hash, error) {
	if gameID == nil {
		return common.Hash{}, fmt.Errorf("escrow: game id required")
	}
	if len(recipients) == 0 || len(recipients) != len(amounts) {
		return common.Hash{}, fmt.Errorf("escrow: recipients/amounts mismatch (%d/%d)", len(recipients), len(amounts))
	}
	opts := *c.opts
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, "settleGame", gameID, recipients, amounts)
	if err != nil {
		return common.Hash{}, fmt.Errorf("escrow: settleGame %s: %w", gameID, err)
	}
	return tx.Hash(), nil
}

// ParseGameID converts a stored contract game identifier (decimal or 0x-hex)
// into the uint256 the contract expects.
func ParseGameID(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("escrow: contract game id required")
	}
	base := 10
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
		base = 16
	}
	value, ok := new(big.Int).SetString(trimmed, base)
	if !ok {
		return nil, fmt.Errorf("escrow: invalid contract game id %q", raw)
	}
	return value, nil
}
