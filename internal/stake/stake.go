// Package stake implements the Stake Orchestrator (spec §4.3): the
// four-phase asynchronous state machine that turns a single-sided deposit
// into a finalized LP position. It follows the teacher's handler-per-action
// style from core/dao_staking.go and core/stake_penalty.go — one exported
// method per inbound Action, each validating, touching the Ledger through
// the Registry, and writing outbound messages to an Outbox rather than
// calling out directly.
package stake

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zoka-agari/high-stable/internal/domain"
	"github.com/zoka-agari/high-stable/internal/ledger"
	"github.com/zoka-agari/high-stable/internal/metrics"
	"github.com/zoka-agari/high-stable/internal/registry"
	"github.com/zoka-agari/high-stable/internal/transport"
)

// PricePolicy computes the protocol-minted counterpart amount for a deposit,
// generalizing the spec's "pure function of deposit amount, token, and
// latest price" into a swappable interface (the price source itself — an
// oracle or AMM query — is an external collaborator per spec §1).
type PricePolicy interface {
	CounterpartAmount(token domain.TokenID, depositAmount domain.Amount) (domain.Amount, error)
}

// FixedRatePolicy is a stand-in PricePolicy that mints counterpart tokens
// 1:1 with the deposit. Real deployments inject a policy backed by the AMM's
// reported spot price; this one keeps the orchestrator exercisable without
// one.
type FixedRatePolicy struct{}

// CounterpartAmount implements PricePolicy.
func (FixedRatePolicy) CounterpartAmount(_ domain.TokenID, depositAmount domain.Amount) (domain.Amount, error) {
	return depositAmount, nil
}

// Config carries the tunables named in spec §6 that the Stake Orchestrator
// consults directly.
type Config struct {
	ExcessMultiplier uint64
	ExcessDivisor    uint64
	AllowedTokens    map[string]struct{}
	MintPolicy       string
	Treasury         string
	Amm              string
}

// Orchestrator drives the stake protocol.
type Orchestrator struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	cfg      Config
	price    PricePolicy
	nowFunc  func() int64
	paused   func() bool
}

// New constructs a stake Orchestrator. m may be nil, meaning metrics are not
// published. paused may be nil, meaning never paused; nowFunc may be nil, in
// which case finalized positions record StakedAt as 0 (operation timestamps
// still come from the registry's clock).
func New(led *ledger.Ledger, reg *registry.Registry, logger *logrus.Logger, m *metrics.Metrics, cfg Config, price PricePolicy, nowFunc func() int64, paused func() bool) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if price == nil {
		price = FixedRatePolicy{}
	}
	if paused == nil {
		paused = func() bool { return false }
	}
	return &Orchestrator{ledger: led, registry: reg, logger: logger, metrics: m, cfg: cfg, price: price, nowFunc: nowFunc, paused: paused}
}

func (o *Orchestrator) now() int64 {
	if o.nowFunc != nil {
		return o.nowFunc()
	}
	return 0
}

// RegisterHandlers wires every inbound Action this orchestrator owns onto d.
func (o *Orchestrator) RegisterHandlers(d *transport.Dispatcher) {
	d.Register("Credit-Notice", o.HandleCreditNotice)
	d.Register("Mint-Confirmation", o.HandleMintConfirmation)
	d.Register("Mint-Confirmation-Error", o.HandleMintConfirmationError)
	d.Register("Liquidity-Added", o.HandleLiquidityAdded)
	d.Register("Liquidity-Added-Error", o.HandleLiquidityAddedError)
}

func (o *Orchestrator) tokenAllowed(token string) bool {
	if len(o.cfg.AllowedTokens) == 0 {
		return true
	}
	_, ok := o.cfg.AllowedTokens[token]
	return ok
}

// HandleCreditNotice is phase 1 (spec §4.3): a deposit arrives from an
// allowed token. It computes the counterpart MINT amount with the excess
// buffer, opens a pending stake operation, and requests the mint.
func (o *Orchestrator) HandleCreditNotice(msg transport.Message, out *transport.Outbox) error {
	if o.paused() {
		return &domain.PolicyViolationError{Reason: "contract paused"}
	}
	if !o.tokenAllowed(msg.From) {
		return &domain.PolicyViolationError{Reason: fmt.Sprintf("token %s not allowed", msg.From)}
	}
	amount, err := domain.ParseAmount(msg.Tag("Quantity"))
	if err != nil || amount.Sign() <= 0 {
		return &domain.PolicyViolationError{Reason: "quantity must be positive"}
	}
	token, err := domain.TokenIDFromString(msg.From)
	if err != nil {
		return &domain.PolicyViolationError{Reason: "malformed token identity"}
	}
	staker, err := domain.StakerIDFromString(msg.Tag("Sender"))
	if err != nil {
		return &domain.PolicyViolationError{Reason: "malformed sender identity"}
	}

	counterpart, err := o.price.CounterpartAmount(token, amount)
	if err != nil {
		return domain.Wrap(err, "compute counterpart amount")
	}
	mintRequest := domain.MulDiv(counterpart, o.cfg.ExcessMultiplier, o.cfg.ExcessDivisor)
	if mintRequest.Sign() <= 0 {
		mintRequest = domain.AmountFromUint64(1)
	}

	op, err := o.registry.Create(registry.CreateParams{
		Kind:   domain.OperationStake,
		Token:  token,
		Staker: staker,
		Amount: amount,
	})
	if err != nil {
		return err
	}

	out.Send(transport.OutMessage{
		Target: o.cfg.MintPolicy,
		Action: "Mint-Request",
		Tags: map[string]string{
			"X-Operation-Id": string(op.ID),
			"Amount":         mintRequest.String(),
			"Token":          token.String(),
		},
	})
	out.Send(transport.OutMessage{
		Target: staker.String(),
		Action: "Stake-Started",
		Tags:   map[string]string{"X-Operation-Id": string(op.ID)},
	})
	o.logger.WithFields(logrus.Fields{"id": op.ID, "amount": amount.String()}).Info("stake deposit received")
	return nil
}

// HandleMintConfirmation is phase 2 (spec §4.3): persist the minted amount
// and request the AMM add the pair as liquidity.
func (o *Orchestrator) HandleMintConfirmation(msg transport.Message, out *transport.Outbox) error {
	if o.paused() {
		return &domain.PolicyViolationError{Reason: "contract paused"}
	}
	if msg.From != o.cfg.MintPolicy {
		return &domain.ConfirmationMismatchError{ID: domain.OperationID(msg.Tag("X-Operation-Id")), Reason: "sender is not the mint policy"}
	}
	id := domain.OperationID(msg.Tag("X-Operation-Id"))
	op, err := o.registry.VerifyOperation(id, domain.OperationStake, domain.StatusPending, nil)
	if err != nil {
		return err
	}
	mintAmount, err := domain.ParseAmount(msg.Tag("Amount"))
	if err != nil || mintAmount.Sign() <= 0 {
		return &domain.PolicyViolationError{Reason: "invalid mint amount"}
	}
	op.MintAmount = mintAmount
	if err := o.registry.UpdateOperation(op); err != nil {
		return err
	}

	out.Send(transport.OutMessage{
		Target: o.cfg.Amm,
		Action: "Add-Liquidity",
		Tags: map[string]string{
			"X-Operation-Id": string(op.ID),
			"Token-A":        op.Token.String(),
			"Quantity-A":     op.Amount.String(),
			"Quantity-B":     mintAmount.String(),
		},
	})
	o.logger.WithFields(logrus.Fields{"id": op.ID, "mintAmount": mintAmount.String()}).Info("mint confirmed")
	return nil
}

// HandleLiquidityAdded is phase 3 (spec §4.3): the pool returns LP tokens,
// the position is finalized, and the operation completes.
func (o *Orchestrator) HandleLiquidityAdded(msg transport.Message, out *transport.Outbox) error {
	if o.paused() {
		return &domain.PolicyViolationError{Reason: "contract paused"}
	}
	if msg.From != o.cfg.Amm {
		return &domain.ConfirmationMismatchError{ID: domain.OperationID(msg.Tag("X-Operation-Id")), Reason: "sender is not the configured amm"}
	}
	id := domain.OperationID(msg.Tag("X-Operation-Id"))
	amm, err := domain.AmmIDFromString(msg.From)
	if err != nil {
		return &domain.PolicyViolationError{Reason: "malformed amm identity"}
	}
	op, err := o.registry.VerifyOperation(id, domain.OperationStake, domain.StatusPending, nil)
	if err != nil {
		return err
	}
	lpTokens, err := domain.ParseAmount(msg.Tag("Pool-Tokens"))
	if err != nil || lpTokens.Sign() <= 0 {
		return &domain.PolicyViolationError{Reason: "invalid pool tokens"}
	}

	position := domain.StakingPosition{
		Amount:     op.Amount,
		LPTokens:   lpTokens,
		MintAmount: op.MintAmount,
		StakedAt:   o.now(),
	}
	if err := o.ledger.SetStakingPosition(op.Token, op.Sender, position); err != nil {
		return err
	}
	op.Amm = amm
	if err := o.registry.UpdateOperation(op); err != nil {
		return err
	}
	if err := o.registry.Complete(op.ID); err != nil {
		return err
	}

	out.Send(transport.OutMessage{
		Target: op.Sender.String(),
		Action: "Stake-Complete",
		Tags: map[string]string{
			"X-Operation-Id": string(op.ID),
			"Amount":         op.Amount.String(),
			"LP-Tokens":      lpTokens.String(),
		},
	})
	if o.metrics != nil {
		o.metrics.OperationsTotal.WithLabelValues("stake").Inc()
	}
	o.logger.WithFields(logrus.Fields{"id": op.ID, "lpTokens": lpTokens.String()}).Info("liquidity added, stake finalized")
	return nil
}

// HandleMintConfirmationError is the phase-2 failure path (spec §4.3(4)):
// the mint failed, so nothing has been moved out of the contract yet beyond
// the original deposit. Fail the operation and refund the deposit.
func (o *Orchestrator) HandleMintConfirmationError(msg transport.Message, out *transport.Outbox) error {
	return o.failAndRefund(msg, out)
}

// HandleLiquidityAddedError is the phase-3 failure path (spec §4.3(4)): the
// AMM rejected the liquidity add after a successful mint. By this point
// HandleMintConfirmation has already persisted op.MintAmount, so the minted
// counterpart is sitting in the mint-policy actor's balance; fail the
// operation and refund both the deposit and the minted counterpart.
func (o *Orchestrator) HandleLiquidityAddedError(msg transport.Message, out *transport.Outbox) error {
	return o.failAndRefund(msg, out)
}

func (o *Orchestrator) failAndRefund(msg transport.Message, out *transport.Outbox) error {
	id := domain.OperationID(msg.Tag("X-Operation-Id"))
	op, ok := o.registry.Get(id)
	if !ok {
		return &domain.ConfirmationMismatchError{ID: id, Reason: "unknown id"}
	}
	if op.Kind != domain.OperationStake || op.Status != domain.StatusPending {
		return &domain.ConfirmationMismatchError{ID: id, Reason: "not a pending stake"}
	}
	if err := o.registry.Fail(op.ID); err != nil {
		return err
	}
	out.Send(transport.OutMessage{
		Target: op.Token.String(),
		Action: "Transfer",
		Tags: map[string]string{
			"X-Operation-Id": string(op.ID),
			"X-Purpose":      "stake-refund",
			"Recipient":      op.Sender.String(),
			"Amount":         op.Amount.String(),
		},
	})
	// The mint only completes before HandleLiquidityAddedError, never before
	// HandleMintConfirmationError, so MintAmount being positive is exactly
	// the signal that a minted counterpart needs refunding too.
	if op.MintAmount.Sign() > 0 {
		out.Send(transport.OutMessage{
			Target: o.cfg.MintPolicy,
			Action: "Transfer",
			Tags: map[string]string{
				"X-Operation-Id": string(op.ID),
				"X-Purpose":      "stake-refund-mint",
				"Recipient":      op.Sender.String(),
				"Amount":         op.MintAmount.String(),
			},
		})
	}
	out.Send(transport.OutMessage{
		Target: op.Sender.String(),
		Action: "Stake-Failed",
		Tags:   map[string]string{"X-Operation-Id": string(op.ID)},
	})
	if o.metrics != nil {
		o.metrics.OperationsFailed.WithLabelValues("stake").Inc()
	}
	o.logger.WithFields(logrus.Fields{"id": op.ID}).Warn("stake failed, refund issued")
	return nil
}
