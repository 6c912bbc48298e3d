package unstake

import (
	"testing"

	"github.com/zoka-agari/high-stable/internal/domain"
	"github.com/zoka-agari/high-stable/internal/ilpolicy"
	"github.com/zoka-agari/high-stable/internal/ledger"
	"github.com/zoka-agari/high-stable/internal/registry"
	"github.com/zoka-agari/high-stable/internal/testutil"
	"github.com/zoka-agari/high-stable/internal/transport"
)

// zeroILPolicy isolates the profit-share arithmetic in tests from the IL
// curve, which has its own dedicated tests in internal/ilpolicy.
type zeroILPolicy struct{}

func (zeroILPolicy) Compensate(ilpolicy.Input) domain.Amount { return domain.ZeroAmount() }

const (
	tokenAHex  = "746f6b656e2d61" // hex("token-a")
	stakerHex  = "616c696365"     // hex("alice")
	ammHex     = "616d6d"         // hex("amm")
	mintTokHex = "6d696e74"       // hex("mint")
)

func setup(t *testing.T, stakedAt int64, now int64) (*Orchestrator, *ledger.Ledger, domain.TokenID, domain.StakerID, *testutil.Sandbox) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	led, err := ledger.New(ledger.Config{
		WALPath: sb.Path("ledger.wal"), SnapshotPath: sb.Path("ledger.snap"), SnapshotInterval: 1000,
	}, nil, nil, nil, "")
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	reg := registry.New(led, nil, 3600, func() int64 { return now })
	o := New(led, reg, nil, nil, Config{
		ProtocolFeePercentage: 1, FeeDivisor: 100, Amm: ammHex,
	}, zeroILPolicy{}, func() int64 { return now }, nil)

	token, _ := domain.TokenIDFromString(tokenAHex)
	staker, _ := domain.StakerIDFromString(stakerHex)
	return o, led, token, staker, sb
}

func seedPosition(t *testing.T, led *ledger.Ledger, token domain.TokenID, staker domain.StakerID, amount, lp, mint uint64, stakedAt int64) {
	t.Helper()
	if err := led.SetStakingPosition(token, staker, domain.StakingPosition{
		Amount: domain.AmountFromUint64(amount), LPTokens: domain.AmountFromUint64(lp),
		MintAmount: domain.AmountFromUint64(mint), StakedAt: stakedAt,
	}); err != nil {
		t.Fatalf("SetStakingPosition: %v", err)
	}
}

func TestUnstakeNoProfitNoIL(t *testing.T) {
	// Spec §8 scenario 2.
	o, led, token, staker, sb := setup(t, 1000, 1000+3600)
	defer sb.Cleanup()
	seedPosition(t, led, token, staker, 100, 50, 200, 1000)

	out := transport.NewOutbox()
	if err := o.HandleUnstake(transport.Message{Action: "Unstake", From: stakerHex, Tags: map[string]string{"Token": tokenAHex}}, out); err != nil {
		t.Fatalf("HandleUnstake: %v", err)
	}
	if _, ok := led.GetStakingPosition(token, staker); ok {
		t.Fatal("position must be cleared before the burn confirmation arrives")
	}
	burnMsg := out.Drain()[0]
	opID := burnMsg.Tags["X-Operation-Id"]

	out = transport.NewOutbox()
	err := o.HandleBurnConfirmation(transport.Message{
		Action: "Burn-Confirmation", From: ammHex,
		Tags: map[string]string{
			"X-Operation-Id": opID, "Token-A": tokenAHex, "Token-B": mintTokHex,
			"Withdrawn-" + tokenAHex: "100", "Withdrawn-" + mintTokHex: "200", "Burned-Pool-Tokens": "50",
		},
	}, out)
	if err != nil {
		t.Fatalf("HandleBurnConfirmation: %v", err)
	}
	sent := out.Drain()
	transfer := sent[0]
	if transfer.Tags["Amount"] != "100" {
		t.Fatalf("expected amountToSendUser=100, got %s", transfer.Tags["Amount"])
	}
	complete := sent[len(sent)-1]
	if complete.Tags["Mint-Profit"] != "0" {
		t.Fatalf("expected zero mint profit, got %s", complete.Tags["Mint-Profit"])
	}
}

func TestUnstakeUserTokenProfitFloorsFeeToZero(t *testing.T) {
	// Spec §8 scenario 3: profit=10, fee floors to zero.
	o, led, token, staker, sb := setup(t, 1000, 1000+3600)
	defer sb.Cleanup()
	seedPosition(t, led, token, staker, 100, 50, 200, 1000)

	out := transport.NewOutbox()
	_ = o.HandleUnstake(transport.Message{Action: "Unstake", From: stakerHex, Tags: map[string]string{"Token": tokenAHex}}, out)
	opID := out.Drain()[0].Tags["X-Operation-Id"]

	out = transport.NewOutbox()
	err := o.HandleBurnConfirmation(transport.Message{
		Action: "Burn-Confirmation", From: ammHex,
		Tags: map[string]string{
			"X-Operation-Id": opID, "Token-A": tokenAHex, "Token-B": mintTokHex,
			"Withdrawn-" + tokenAHex: "110", "Withdrawn-" + mintTokHex: "200", "Burned-Pool-Tokens": "50",
		},
	}, out)
	if err != nil {
		t.Fatalf("HandleBurnConfirmation: %v", err)
	}
	sent := out.Drain()
	transfer := sent[0]
	if transfer.Tags["Amount"] != "110" {
		t.Fatalf("expected amountToSendUser=110 (fee floored to zero), got %s", transfer.Tags["Amount"])
	}
}

func TestUnstakeMintRebaseTwoWeeks(t *testing.T) {
	// Spec §8 scenario 4: rebaseFactor for w=2 is floor(0.9975^2*1e8)=99_500_625,
	// rebasedInitial = 10_000_000*99_500_625/1e8 = 9_950_062, profit=49_938.
	stakedAt := int64(1000)
	now := stakedAt + 2*secondsPerWeek
	o, led, token, staker, sb := setup(t, stakedAt, now)
	defer sb.Cleanup()
	seedPosition(t, led, token, staker, 100, 50, 10_000_000, stakedAt)

	out := transport.NewOutbox()
	_ = o.HandleUnstake(transport.Message{Action: "Unstake", From: stakerHex, Tags: map[string]string{"Token": tokenAHex}}, out)
	opID := out.Drain()[0].Tags["X-Operation-Id"]

	out = transport.NewOutbox()
	err := o.HandleBurnConfirmation(transport.Message{
		Action: "Burn-Confirmation", From: ammHex,
		Tags: map[string]string{
			"X-Operation-Id": opID, "Token-A": tokenAHex, "Token-B": mintTokHex,
			"Withdrawn-" + tokenAHex: "100", "Withdrawn-" + mintTokHex: "10000000", "Burned-Pool-Tokens": "50",
		},
	}, out)
	if err != nil {
		t.Fatalf("HandleBurnConfirmation: %v", err)
	}
	rebased := rebasedBasis(domain.AmountFromUint64(10_000_000), 2)
	if rebased.String() != "9950062" {
		t.Fatalf("expected rebasedInitial=9950062, got %s", rebased.String())
	}
	sent := out.Drain()
	complete := sent[len(sent)-1]
	// profit = 10_000_000 - 9_950_062 = 49_938; fee = 49938*1/100 = 499 (floor); share = 49439.
	if complete.Tags["Mint-Profit"] != "49439" {
		t.Fatalf("expected mint profit share 49439, got %s", complete.Tags["Mint-Profit"])
	}
}

func TestReDeliveredBurnConfirmationRejected(t *testing.T) {
	o, led, token, staker, sb := setup(t, 1000, 1000+10)
	defer sb.Cleanup()
	seedPosition(t, led, token, staker, 100, 50, 200, 1000)

	out := transport.NewOutbox()
	_ = o.HandleUnstake(transport.Message{Action: "Unstake", From: stakerHex, Tags: map[string]string{"Token": tokenAHex}}, out)
	opID := out.Drain()[0].Tags["X-Operation-Id"]

	burnMsg := transport.Message{
		Action: "Burn-Confirmation", From: ammHex,
		Tags: map[string]string{
			"X-Operation-Id": opID, "Token-A": tokenAHex, "Token-B": mintTokHex,
			"Withdrawn-" + tokenAHex: "100", "Withdrawn-" + mintTokHex: "200", "Burned-Pool-Tokens": "50",
		},
	}
	if err := o.HandleBurnConfirmation(burnMsg, transport.NewOutbox()); err != nil {
		t.Fatalf("first confirmation: %v", err)
	}
	if err := o.HandleBurnConfirmation(burnMsg, transport.NewOutbox()); err == nil {
		t.Fatal("expected re-delivered confirmation to be rejected")
	}
}
