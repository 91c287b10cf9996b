package engine

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"stakepool/observability"
	"stakepool/services/settlementd/chain"
	"stakepool/services/settlementd/escrow"
	"stakepool/services/settlementd/store"
)

// EscrowContract captures the escrow primitives the engine drives.
type EscrowContract interface {
	GetGame(ctx context.Context, gameID *big.Int) (*escrow.GameState, error)
	RefundPlayer(ctx context.Context, gameID *big.Int, player common.Address) (common.Hash, error)
	SettleGame(ctx context.Context, gameID *big.Int, recipients []common.Address, amounts []*big.Int) (common.Hash, error)
}

// PaymentVerifier confirms entry payments against the escrow and token contracts.
type PaymentVerifier interface {
	Verify(ctx context.Context, txHash common.Hash, escrowAddr, token common.Address, amount *big.Int) (*chain.Verification, error)
}

// Auditor receives structured refund/settlement events. Delivery is best-effort;
// a failing auditor never blocks a financial operation.
type Auditor interface {
	RefundConfirmed(ctx context.Context, e RefundEvent)
	SettlementConfirmed(ctx context.Context, e SettlementEvent)
}

// RefundEvent describes one confirmed refund for the audit trail.
type RefundEvent struct {
	GameID        string
	ParticipantID string
	PlayerID      string
	Actor         string
	Amount        string
	TxHash        string
	At            time.Time
}

// SettlementEvent describes one confirmed settlement for the audit trail.
type SettlementEvent struct {
	GameID     string
	Actor      string
	Recipients []string
	Amounts    []string
	TxHash     string
	At         time.Time
}

// Engine drives refund reconciliation and settlement for one game at a time.
// Invocations are stateless; the datastore's conditional updates are the only
// coordination point between concurrent callers.
type Engine struct {
	store          *store.Store
	evm            chain.EVMClient
	contract       EscrowContract
	verifier       PaymentVerifier
	auditor        Auditor
	metrics        *observability.SettlementdMetrics
	logger         *slog.Logger
	lockTTL        time.Duration
	pollInterval   time.Duration
	receiptTimeout time.Duration
	now            func() time.Time
}

// Option customises the engine instance.
type Option func(*Engine)

// WithAuditor supplies the audit trail sink.
func WithAuditor(a Auditor) Option {
	return func(e *Engine) { e.auditor = a }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.SettlementdMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger supplies a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLockTTL bounds how long a crashed lock holder can block others.
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.lockTTL = ttl }
}

// WithPollInterval configures the receipt polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(e *Engine) { e.pollInterval = interval }
}

// WithReceiptTimeout bounds how long one invocation waits for a confirmation.
func WithReceiptTimeout(timeout time.Duration) Option {
	return func(e *Engine) { e.receiptTimeout = timeout }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// New constructs a settlement engine over the supplied collaborators.
func New(st *store.Store, evm chain.EVMClient, contract EscrowContract, verifier PaymentVerifier, opts ...Option) *Engine {
	eng := &Engine{
		store:          st,
		evm:            evm,
		contract:       contract,
		verifier:       verifier,
		metrics:        observability.Settlementd(),
		logger:         slog.Default(),
		lockTTL:        5 * time.Minute,
		pollInterval:   5 * time.Second,
		receiptTimeout: 2 * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.metrics == nil {
		eng.metrics = observability.Settlementd()
	}
	if eng.logger == nil {
		eng.logger = slog.Default()
	}
	return eng
}

func (e *Engine) audit() Auditor {
	if e.auditor == nil {
		return nopAuditor{}
	}
	return e.auditor
}

type nopAuditor struct{}

func (nopAuditor) RefundConfirmed(context.Context, RefundEvent)         {}
func (nopAuditor) SettlementConfirmed(context.Context, SettlementEvent) {}
