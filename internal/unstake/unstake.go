// Package unstake implements the Unstake Orchestrator (spec §4.4): the
// two-phase protocol that burns a staker's LP position, settles impermanent
// loss compensation and profit shares, and returns funds. It follows the
// checks-effects-interactions discipline mandated by spec §5 — clearing the
// position before any outbound message — in the same style as the teacher's
// core/dao_staking.go withdrawal path.
package unstake

import (
	"fmt"
	"math/big"

	"github.com/sirupsen/logrus"

	"github.com/zoka-agari/high-stable/internal/domain"
	"github.com/zoka-agari/high-stable/internal/ilpolicy"
	"github.com/zoka-agari/high-stable/internal/ledger"
	"github.com/zoka-agari/high-stable/internal/metrics"
	"github.com/zoka-agari/high-stable/internal/registry"
	"github.com/zoka-agari/high-stable/internal/transport"
)

const secondsPerWeek = 7 * 24 * 60 * 60

// rebaseFactorScale is the 10^8 fixed-point scale of the weekly rebase
// factor (spec §4.4(c)).
var rebaseFactorScale = big.NewInt(100_000_000)

// rebaseRateNum/rebaseRateDen represent the exact per-week decay rate
// 0.9975 = 399/400, kept as an exact fraction so raising it to the w-th
// power and flooring happens once at the end (spec §4.4(c): "rebaseFactor =
// floor(0.9975^w * 10^8)"), rather than compounding a floor every week.
var (
	rebaseRateNum = big.NewInt(399)
	rebaseRateDen = big.NewInt(400)
)

// Config carries the tunables named in spec §6 that the Unstake Orchestrator
// consults directly.
type Config struct {
	ProtocolFeePercentage uint64
	FeeDivisor            uint64
	AllowedTokens         map[string]struct{}
	Amm                   string
}

// Orchestrator drives the unstake protocol.
type Orchestrator struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	cfg      Config
	il       ilpolicy.Policy
	nowFunc  func() int64
	paused   func() bool
}

// New constructs an unstake Orchestrator. m may be nil, meaning metrics are
// not published.
func New(led *ledger.Ledger, reg *registry.Registry, logger *logrus.Logger, m *metrics.Metrics, cfg Config, il ilpolicy.Policy, nowFunc func() int64, paused func() bool) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if il == nil {
		il = ilpolicy.NewConstantProductPolicy()
	}
	if paused == nil {
		paused = func() bool { return false }
	}
	return &Orchestrator{ledger: led, registry: reg, logger: logger, metrics: m, cfg: cfg, il: il, nowFunc: nowFunc, paused: paused}
}

func (o *Orchestrator) now() int64 {
	if o.nowFunc != nil {
		return o.nowFunc()
	}
	return 0
}

// RegisterHandlers wires every inbound Action this orchestrator owns onto d.
func (o *Orchestrator) RegisterHandlers(d *transport.Dispatcher) {
	d.Register("Unstake", o.HandleUnstake)
	d.Register("Burn-Confirmation", o.HandleBurnConfirmation)
}

func (o *Orchestrator) tokenAllowed(token string) bool {
	if len(o.cfg.AllowedTokens) == 0 {
		return true
	}
	_, ok := o.cfg.AllowedTokens[token]
	return ok
}

// HandleUnstake is phase 1 (spec §4.4(1)): validate, clear the position
// before any outbound message, open a pending unstake operation, and
// request the burn.
func (o *Orchestrator) HandleUnstake(msg transport.Message, out *transport.Outbox) error {
	if o.paused() {
		return &domain.PolicyViolationError{Reason: "contract paused"}
	}
	tokenStr := msg.Tag("Token")
	if !o.tokenAllowed(tokenStr) {
		return &domain.PolicyViolationError{Reason: fmt.Sprintf("token %s not allowed", tokenStr)}
	}
	token, err := domain.TokenIDFromString(tokenStr)
	if err != nil {
		return &domain.PolicyViolationError{Reason: "malformed token identity"}
	}
	staker, err := domain.StakerIDFromString(msg.From)
	if err != nil {
		return &domain.PolicyViolationError{Reason: "malformed sender identity"}
	}

	position, ok := o.ledger.GetStakingPosition(token, staker)
	if !ok {
		return &domain.PolicyViolationError{Reason: "no staking position"}
	}
	amm, err := domain.AmmIDFromString(o.cfg.Amm)
	if err != nil {
		return &domain.PolicyViolationError{Reason: "malformed configured amm identity"}
	}

	// Checks-effects-interactions: clear the position before emitting Burn.
	if err := o.ledger.ClearStakingPosition(token, staker); err != nil {
		return err
	}

	posCopy := position
	op, err := o.registry.Create(registry.CreateParams{
		Kind:            domain.OperationUnstake,
		Token:           token,
		Staker:          staker,
		Amount:          posCopy.Amount,
		Amm:             amm,
		CurrentPosition: &posCopy,
	})
	if err != nil {
		return err
	}

	out.Send(transport.OutMessage{
		Target: o.cfg.Amm,
		Action: "Burn",
		Tags: map[string]string{
			"X-Operation-Id": string(op.ID),
			"Token":          token.String(),
			"Quantity":       posCopy.LPTokens.String(),
		},
	})
	out.Send(transport.OutMessage{
		Target: staker.String(),
		Action: "Unstake-Started",
		Tags:   map[string]string{"X-Operation-Id": string(op.ID)},
	})
	o.logger.WithFields(logrus.Fields{"id": op.ID, "staker": staker.String()}).Info("unstake requested")
	return nil
}

// settlement holds every amount computed during Burn-Confirmation, carried
// through to the final notification for auditability (spec §4.4(e)).
type settlement struct {
	ILCompensation     domain.Amount
	UserTokenProfit    domain.Amount
	AmountToSendUser   domain.Amount
	MintProfitShare    domain.Amount
}

// HandleBurnConfirmation is phase 2 (spec §4.4(2)): computes IL
// compensation, the user-token profit share, and the MINT-token rebased
// profit share in order, completes the operation, then transfers out.
func (o *Orchestrator) HandleBurnConfirmation(msg transport.Message, out *transport.Outbox) error {
	if o.paused() {
		return &domain.PolicyViolationError{Reason: "contract paused"}
	}
	id := domain.OperationID(msg.Tag("X-Operation-Id"))
	amm, err := domain.AmmIDFromString(msg.From)
	if err != nil {
		return &domain.PolicyViolationError{Reason: "malformed amm identity"}
	}
	op, err := o.registry.VerifyOperation(id, domain.OperationUnstake, domain.StatusPending, amm)
	if err != nil {
		return err
	}

	tokenA := msg.Tag("Token-A")
	tokenB := msg.Tag("Token-B")
	withdrawnA, errA := domain.ParseAmount(msg.Tag("Withdrawn-" + tokenA))
	withdrawnB, errB := domain.ParseAmount(msg.Tag("Withdrawn-" + tokenB))
	if errA != nil || errB != nil {
		return &domain.PolicyViolationError{Reason: "malformed withdrawn amounts"}
	}
	burned, err := domain.ParseAmount(msg.Tag("Burned-Pool-Tokens"))
	if err != nil {
		return &domain.PolicyViolationError{Reason: "malformed burned pool tokens"}
	}

	// Identify which side is the user token: the side whose Token tag matches
	// the operation's token. The other side is treated as the MINT token.
	var withdrawnUserToken, withdrawnMintToken domain.Amount
	mintTokenTag := tokenB
	if tokenA == op.Token.String() {
		withdrawnUserToken, withdrawnMintToken = withdrawnA, withdrawnB
	} else {
		withdrawnUserToken, withdrawnMintToken = withdrawnB, withdrawnA
		mintTokenTag = tokenA
	}

	initialUserAmount := op.Amount
	initialMintAmount := op.MintAmount

	s := settlement{}

	// (a) impermanent-loss compensation.
	s.ILCompensation = o.il.Compensate(ilpolicy.Input{
		InitialUserTokenAmount: initialUserAmount,
		InitialMintTokenAmount: initialMintAmount,
		WithdrawnUserToken:     withdrawnUserToken,
		WithdrawnMintToken:     withdrawnMintToken,
	})

	// (b) user-token profit share.
	if withdrawnUserToken.Cmp(initialUserAmount) <= 0 {
		s.AmountToSendUser = withdrawnUserToken
	} else {
		profit := withdrawnUserToken.Sub(initialUserAmount)
		protocolFee := domain.MulDiv(profit, o.cfg.ProtocolFeePercentage, o.cfg.FeeDivisor)
		s.UserTokenProfit = profit.Sub(protocolFee)
		s.AmountToSendUser = withdrawnUserToken.Sub(protocolFee)
	}

	// (c) MINT-token profit share with rebase adjustment.
	s.MintProfitShare = domain.ZeroAmount()
	if !initialMintAmount.IsZero() && withdrawnMintToken.Sign() > 0 {
		weeks := uint64(0)
		if elapsed := o.now() - op.Timestamp; elapsed > 0 {
			weeks = uint64(elapsed) / secondsPerWeek
		}
		rebased := rebasedBasis(initialMintAmount, weeks)
		if withdrawnMintToken.Cmp(rebased) > 0 {
			profit := withdrawnMintToken.Sub(rebased)
			protocolFee := domain.MulDiv(profit, o.cfg.ProtocolFeePercentage, o.cfg.FeeDivisor)
			s.MintProfitShare = profit.Sub(protocolFee)
		}
	}

	// (d) mark completed before any outbound transfer.
	if err := o.registry.Complete(op.ID); err != nil {
		return err
	}

	// (e) transfer out: base withdrawal (+IL), and MINT profit share if any.
	total := s.AmountToSendUser.Add(s.ILCompensation)
	out.Send(transport.OutMessage{
		Target: op.Token.String(),
		Action: "Transfer",
		Tags: map[string]string{
			"X-Operation-Id": string(op.ID),
			"X-Purpose":      "unstake-settlement",
			"Recipient":      op.Sender.String(),
			"Amount":         total.String(),
		},
	})
	if s.MintProfitShare.Sign() > 0 {
		out.Send(transport.OutMessage{
			Target: mintTokenTag,
			Action: "Transfer",
			Tags: map[string]string{
				"X-Operation-Id": string(op.ID),
				"X-Purpose":      "mint-profit-share",
				"Recipient":      op.Sender.String(),
				"Amount":         s.MintProfitShare.String(),
			},
		})
	}
	out.Send(transport.OutMessage{
		Target: op.Sender.String(),
		Action: "Unstake-Complete",
		Tags: map[string]string{
			"X-Operation-Id":   string(op.ID),
			"IL-Compensation":  s.ILCompensation.String(),
			"User-Profit":      s.UserTokenProfit.String(),
			"Amount-Sent":      s.AmountToSendUser.String(),
			"Mint-Profit":      s.MintProfitShare.String(),
			"Burned-Pool-Tokens": burned.String(),
		},
	})
	if o.metrics != nil {
		o.metrics.OperationsTotal.WithLabelValues("unstake").Inc()
	}
	o.logger.WithFields(logrus.Fields{
		"id": op.ID, "ilCompensation": s.ILCompensation.String(), "amountToSendUser": s.AmountToSendUser.String(),
	}).Info("unstake settled")
	return nil
}

// rebasedBasis computes the weekly-rebased MINT cost basis (spec §4.4(c)):
// rebaseFactor = floor(0.9975^weeks * 10^8), rebased = initial * rebaseFactor / 10^8.
// weeks == 0 yields the initial amount unchanged.
func rebasedBasis(initial domain.Amount, weeks uint64) domain.Amount {
	if weeks == 0 {
		return initial
	}
	w := new(big.Int).SetUint64(weeks)
	numPow := new(big.Int).Exp(rebaseRateNum, w, nil)
	denPow := new(big.Int).Exp(rebaseRateDen, w, nil)

	factor := new(big.Int).Mul(numPow, rebaseFactorScale)
	factor.Div(factor, denPow)

	rebased := new(big.Int).Mul(initial.Int(), factor)
	rebased.Div(rebased, rebaseFactorScale)
	return domain.NewAmount(rebased)
}
