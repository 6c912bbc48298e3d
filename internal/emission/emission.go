// Package emission implements the Emission Engine (spec §4.5): the ticked
// reward schedule that computes a capped per-period emission, allocates it
// pro-rata across every staking position weighted by token and stake size,
// and dispatches a single distribution message. It reads the Ledger only —
// it never mutates a StakingPosition — following the teacher's read-mostly
// reporting handlers in core/dao_staking.go's view functions, generalized
// to a scheduled tick instead of an on-demand query.
package emission

import (
	"encoding/json"
	"math/big"

	"github.com/sirupsen/logrus"

	"github.com/zoka-agari/high-stable/internal/domain"
	"github.com/zoka-agari/high-stable/internal/ledger"
	"github.com/zoka-agari/high-stable/internal/metrics"
	"github.com/zoka-agari/high-stable/internal/transport"
)

// precision is the double multiply-then-divide scale named in spec §4.5,
// chosen wide enough that per-staker weight fractions never lose precision
// before the final division.
var precision = big.NewInt(10_000_000_000_000_000) // 10^16

// fixedPointScale is the 10^8 scale used for periodRate and the burn-rate
// cap's fractional constants (spec §4.5).
var fixedPointScale = big.NewInt(100_000_000) // 10^8

// periodRate = floor((MONTHLY_RATE / PERIODS_PER_MONTH) * 10^8), with
// MONTHLY_RATE = 0.0285 and PERIODS_PER_MONTH = 8640 (spec §4.5 step 2),
// precomputed once as the spec mandates: 0.0285/8640*1e8 = 329.86..., floors
// to 329.
const periodRate = 329

// Config carries the supply-cap and token-weight tunables the engine reads
// from configuration (spec §6).
type Config struct {
	TotalSupply  domain.Amount
	SpecialToken domain.TokenID
	Treasury     string
	MinIntervalS int64
	CronCaller   string
}

// Engine computes and dispatches one emission tick at a time.
type Engine struct {
	ledger  *ledger.Ledger
	logger  *logrus.Logger
	metrics *metrics.Metrics
	cfg     Config
	nowFunc func() int64
}

// New constructs an Engine.
func New(led *ledger.Ledger, logger *logrus.Logger, m *metrics.Metrics, cfg Config, nowFunc func() int64) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{ledger: led, logger: logger, metrics: m, cfg: cfg, nowFunc: nowFunc}
}

func (e *Engine) now() int64 {
	if e.nowFunc != nil {
		return e.nowFunc()
	}
	return 0
}

// RegisterHandlers wires every inbound Action this engine owns onto d.
func (e *Engine) RegisterHandlers(d *transport.Dispatcher) {
	d.Register("Request-Rewards", e.HandleRequestRewards)
	d.Register("Update-MINT-Supply", e.HandleUpdateMintSupply)
	d.Register("Get-Reward-Stats", e.HandleGetRewardStats)
	d.Register("Get-Stake-Ownership", e.HandleGetStakeOwnership)
	d.Register("Get-Unique-Stakers", e.HandleGetUniqueStakers)
	d.Register("Get-Token-Stakes", e.HandleGetTokenStakes)
}

func (e *Engine) authorizedCaller(from string) bool {
	return from == e.cfg.CronCaller || from == "contract-owner"
}

// TickResult summarizes one emission tick's outcome.
type TickResult struct {
	Emission     domain.Amount
	Allocations  map[string]domain.Amount
	TotalWeight  *big.Int
	CurrentTotal domain.Amount
}

// HandleRequestRewards is the tick entry point (spec §4.5): authorized
// caller only, rate-limited to once per MinIntervalS.
func (e *Engine) HandleRequestRewards(msg transport.Message, out *transport.Outbox) error {
	if !e.authorizedCaller(msg.From) {
		return &domain.PolicyViolationError{Reason: "unauthorized rewards caller"}
	}
	now := e.now()
	last := e.ledger.LastRewardTimestamp()
	if last != 0 && now < last+e.cfg.MinIntervalS {
		return &domain.DistributionTooSoonError{LastTick: last, MinIntervalS: e.cfg.MinIntervalS, RequestedAt: now}
	}

	result, err := e.computeTick()
	if err != nil {
		return err
	}
	if result.Emission.IsZero() {
		out.Send(transport.OutMessage{
			Target: msg.From,
			Action: "Reply-No-Tokens",
		})
		return nil
	}

	payload, err := json.Marshal(result.Allocations)
	if err != nil {
		return domain.Wrap(err, "marshal allocations")
	}
	out.Send(transport.OutMessage{
		Target: e.cfg.Treasury,
		Action: "Distribute-Rewards",
		Tags:   map[string]string{"Total": result.Emission.String(), "Timestamp": itoa(now)},
		Data:   payload,
	})

	if err := e.ledger.AddCurrentRewards(result.Emission); err != nil {
		return err
	}
	if err := e.ledger.SetLastRewardTimestamp(now); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.EmissionTicksTotal.Inc()
		emissionFloat, _ := new(big.Float).SetInt(result.Emission.Int()).Float64()
		e.metrics.EmissionPerTick.Observe(emissionFloat)
	}

	out.Send(transport.OutMessage{
		Target: msg.From,
		Action: "Reply-Distributed",
		Tags:   map[string]string{"Total": result.Emission.String()},
	})
	e.logger.WithFields(logrus.Fields{"emission": result.Emission.String(), "stakers": len(result.Allocations)}).Info("emission tick distributed")
	return nil
}

// computeTick implements spec §4.5's three-step emission computation plus
// the weighted allocation pass, without touching any outbound side effect.
func (e *Engine) computeTick() (TickResult, error) {
	currentRewards := e.ledger.CurrentRewards()
	remaining := e.cfg.TotalSupply.Sub(currentRewards)
	if remaining.Sign() <= 0 {
		return TickResult{Emission: domain.ZeroAmount(), Allocations: map[string]domain.Amount{}}, nil
	}

	emission := domain.MulDiv(remaining, periodRate, uint64(fixedPointScale.Int64()))
	emission = domain.Min(emission, remaining)

	if mintSupply := e.ledger.MintTokenSupply(); mintSupply.Sign() > 0 {
		periodCap := periodBurnCap(mintSupply)
		emission = domain.Min(emission, periodCap)
	}

	allocations, totalWeight := e.allocate(emission)
	return TickResult{Emission: emission, Allocations: allocations, TotalWeight: totalWeight, CurrentTotal: currentRewards.Add(emission)}, nil
}

// periodBurnCap implements spec §4.5 step 4: weeklyBurn = supply * 0.25%,
// weeklyCap = weeklyBurn * 45%, periodCap = weeklyCap / 2016 (the number of
// 5-minute periods in a week), each step a single multiply-then-divide.
func periodBurnCap(mintSupply domain.Amount) domain.Amount {
	weeklyBurn := domain.MulDiv(mintSupply, 25, 10_000)   // 0.25%
	weeklyCap := domain.MulDiv(weeklyBurn, 45, 100)       // 45%
	return weeklyCap.DivUint64(2016)
}

// allocate implements spec §4.5's weighted allocation: special-token
// positions weight by amount/1000, everything else by amount*TokenWeight,
// and each staker's share is emission*stakerWeight*PRECISION/totalWeight/PRECISION.
func (e *Engine) allocate(emission domain.Amount) (map[string]domain.Amount, *big.Int) {
	positions := e.ledger.GetStakingPositions()

	weightsByStaker := make(map[string]*big.Int)
	order := make([]string, 0)
	totalWeight := new(big.Int)

	for _, ps := range positions {
		var w *big.Int
		if e.ledger.IsSpecialToken(ps.Token) {
			w = new(big.Int).Div(ps.Position.Amount.Int(), big.NewInt(1000))
		} else {
			weight := e.ledger.TokenWeight(ps.Token)
			w = new(big.Int).Mul(ps.Position.Amount.Int(), new(big.Int).SetUint64(weight))
		}
		if w.Sign() <= 0 {
			continue
		}
		key := ps.Staker.String()
		if existing, ok := weightsByStaker[key]; ok {
			existing.Add(existing, w)
		} else {
			weightsByStaker[key] = new(big.Int).Set(w)
			order = append(order, key)
		}
		totalWeight.Add(totalWeight, w)
	}

	allocations := make(map[string]domain.Amount)
	if totalWeight.Sign() == 0 {
		return allocations, totalWeight
	}

	for _, key := range order {
		weight := weightsByStaker[key]
		alloc := new(big.Int).Mul(emission.Int(), weight)
		alloc.Mul(alloc, precision)
		alloc.Div(alloc, totalWeight)
		alloc.Div(alloc, precision)
		if alloc.Sign() <= 0 {
			continue
		}
		allocations[key] = domain.NewAmount(alloc)
	}
	return allocations, totalWeight
}

// HandleUpdateMintSupply implements the supply-update intake (spec §4.5):
// MINT_POLICY only, overwrites MintTokenSupply.
func (e *Engine) HandleUpdateMintSupply(msg transport.Message, _ *transport.Outbox) error {
	var supplyStr string
	if err := json.Unmarshal(msg.Data, &supplyStr); err != nil {
		return &domain.PolicyViolationError{Reason: "malformed supply payload"}
	}
	supply, err := domain.ParseAmount(supplyStr)
	if err != nil {
		return &domain.PolicyViolationError{Reason: "invalid supply amount"}
	}
	return e.ledger.SetMintTokenSupply(supply)
}

// HandleGetRewardStats is a read-only view (spec §4.5): totals plus
// projected daily emission = remaining * periodRate * 288 / 10^8 (288 is
// the number of 5-minute periods in a day).
func (e *Engine) HandleGetRewardStats(msg transport.Message, out *transport.Outbox) error {
	currentRewards := e.ledger.CurrentRewards()
	remaining := e.cfg.TotalSupply.Sub(currentRewards)
	dailyProjection := remaining.MulUint64(periodRate).MulUint64(288).DivUint64(uint64(fixedPointScale.Int64()))

	payload, _ := json.Marshal(map[string]string{
		"currentRewards":      currentRewards.String(),
		"totalSupply":         e.cfg.TotalSupply.String(),
		"remaining":           remaining.String(),
		"projectedDaily":      dailyProjection.String(),
		"lastRewardTimestamp": itoa(e.ledger.LastRewardTimestamp()),
	})
	out.Send(transport.OutMessage{Target: msg.From, Action: "Reward-Stats", Data: payload})
	return nil
}

// HandleGetStakeOwnership is a read-only view (spec §4.5): stakerWeight /
// totalWeight formatted to 6 decimals.
func (e *Engine) HandleGetStakeOwnership(msg transport.Message, out *transport.Outbox) error {
	stakerTag := msg.Tag("Staker")
	staker, err := domain.StakerIDFromString(stakerTag)
	if err != nil {
		return &domain.PolicyViolationError{Reason: "malformed staker identity"}
	}

	_, totalWeight := e.allocate(domain.ZeroAmount())
	positions := e.ledger.GetStakingPositions()
	stakerWeight := new(big.Int)
	for _, ps := range positions {
		if !ps.Staker.Equal(staker) {
			continue
		}
		if e.ledger.IsSpecialToken(ps.Token) {
			stakerWeight.Add(stakerWeight, new(big.Int).Div(ps.Position.Amount.Int(), big.NewInt(1000)))
			continue
		}
		weight := e.ledger.TokenWeight(ps.Token)
		stakerWeight.Add(stakerWeight, new(big.Int).Mul(ps.Position.Amount.Int(), new(big.Int).SetUint64(weight)))
	}

	ownership := "0.000000"
	if totalWeight.Sign() > 0 {
		scaled := new(big.Int).Mul(stakerWeight, big.NewInt(1_000_000))
		scaled.Div(scaled, totalWeight)
		ownership = formatSixDecimals(scaled)
	}

	payload, _ := json.Marshal(map[string]string{"staker": stakerTag, "ownership": ownership})
	out.Send(transport.OutMessage{Target: msg.From, Action: "Stake-Ownership", Data: payload})
	return nil
}

// HandleGetUniqueStakers is a read-only view (spec §4.5).
func (e *Engine) HandleGetUniqueStakers(msg transport.Message, out *transport.Outbox) error {
	positions := e.ledger.GetStakingPositions()
	seen := make(map[string]struct{})
	for _, ps := range positions {
		seen[ps.Staker.String()] = struct{}{}
	}
	payload, _ := json.Marshal(map[string]int{"uniqueStakers": len(seen)})
	out.Send(transport.OutMessage{Target: msg.From, Action: "Unique-Stakers", Data: payload})
	return nil
}

// HandleGetTokenStakes is a read-only view (spec §4.5): total staked amount
// per token.
func (e *Engine) HandleGetTokenStakes(msg transport.Message, out *transport.Outbox) error {
	positions := e.ledger.GetStakingPositions()
	totals := make(map[string]*big.Int)
	for _, ps := range positions {
		key := ps.Token.String()
		if totals[key] == nil {
			totals[key] = new(big.Int)
		}
		totals[key].Add(totals[key], ps.Position.Amount.Int())
	}
	strTotals := make(map[string]string, len(totals))
	for k, v := range totals {
		strTotals[k] = v.String()
	}
	payload, _ := json.Marshal(strTotals)
	out.Send(transport.OutMessage{Target: msg.From, Action: "Token-Stakes", Data: payload})
	return nil
}

func itoa(n int64) string {
	return big.NewInt(n).String()
}

func formatSixDecimals(scaledByMillion *big.Int) string {
	whole := new(big.Int).Div(scaledByMillion, big.NewInt(1_000_000))
	frac := new(big.Int).Mod(scaledByMillion, big.NewInt(1_000_000))
	fracStr := frac.String()
	for len(fracStr) < 6 {
		fracStr = "0" + fracStr
	}
	return whole.String() + "." + fracStr
}
