package registry

import (
	"errors"
	"testing"

	"github.com/zoka-agari/high-stable/internal/domain"
	"github.com/zoka-agari/high-stable/internal/ledger"
	"github.com/zoka-agari/high-stable/internal/testutil"
)

func newTestRegistry(t *testing.T, now func() int64) (*Registry, *ledger.Ledger, *testutil.Sandbox) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	led, err := ledger.New(ledger.Config{
		WALPath:          sb.Path("ledger.wal"),
		SnapshotPath:     sb.Path("ledger.snap"),
		SnapshotInterval: 1000,
	}, nil, nil, nil, "")
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return New(led, nil, 3600, now), led, sb
}

func TestCreateRejectsDuplicatePending(t *testing.T) {
	now := func() int64 { return 1000 }
	reg, _, sb := newTestRegistry(t, now)
	defer sb.Cleanup()

	token := domain.TokenID([]byte("token-a"))
	staker := domain.StakerID([]byte("alice"))
	params := CreateParams{Kind: domain.OperationStake, Token: token, Staker: staker, Amount: domain.AmountFromUint64(10)}

	if _, err := reg.Create(params); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := reg.Create(params)
	if err == nil {
		t.Fatal("expected duplicate pending error")
	}
	var dup *domain.DuplicatePendingError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicatePendingError, got %T: %v", err, err)
	}
}

func TestUnstakeCreateCopiesCostBasis(t *testing.T) {
	now := func() int64 { return 1000 }
	reg, _, sb := newTestRegistry(t, now)
	defer sb.Cleanup()

	pos := domain.StakingPosition{
		Amount:     domain.AmountFromUint64(100),
		LPTokens:   domain.AmountFromUint64(50),
		MintAmount: domain.AmountFromUint64(200),
		StakedAt:   900,
	}
	op, err := reg.Create(CreateParams{
		Kind: domain.OperationUnstake, Token: domain.TokenID([]byte("token-a")),
		Staker: domain.StakerID([]byte("alice")), Amount: pos.Amount, CurrentPosition: &pos,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if op.MintAmount.Cmp(pos.MintAmount) != 0 {
		t.Fatalf("expected mintAmount cost basis copied, got %s", op.MintAmount.String())
	}
	if op.LPTokens == nil || op.LPTokens.Cmp(pos.LPTokens) != 0 {
		t.Fatal("expected lpTokens cost basis copied")
	}
}

func TestVerifyOperationRejectsWrongKindAndStatus(t *testing.T) {
	now := func() int64 { return 1000 }
	reg, _, sb := newTestRegistry(t, now)
	defer sb.Cleanup()

	op, err := reg.Create(CreateParams{
		Kind: domain.OperationStake, Token: domain.TokenID([]byte("token-a")),
		Staker: domain.StakerID([]byte("alice")), Amount: domain.AmountFromUint64(10),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := reg.VerifyOperation(op.ID, domain.OperationUnstake, domain.StatusPending, nil); err == nil {
		t.Fatal("expected wrong-kind rejection")
	}
	if err := reg.Complete(op.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := reg.VerifyOperation(op.ID, domain.OperationStake, domain.StatusPending, nil); err == nil {
		t.Fatal("expected wrong-status rejection after completion")
	}
}

func TestCleanStaleOperationsRemovesOnlyAged(t *testing.T) {
	// Spec §8 scenario 6: 3 ops aged past OPERATION_TIMEOUT, 2 aged under.
	now := int64(1000)
	reg, _, sb := newTestRegistry(t, func() int64 { return now })
	defer sb.Cleanup()

	timeout := int64(3600)
	stale := []int64{now - timeout - 1, now - timeout - 100, now - timeout - 9999}
	fresh := []int64{now - timeout + 1, now - timeout + 500}

	i := 0
	for _, ts := range stale {
		i++
		mustCreateAt(t, reg, ts, i)
	}
	for _, ts := range fresh {
		i++
		mustCreateAt(t, reg, ts, i)
	}
	reg.nowFunc = func() int64 { return now }

	removed := reg.CleanStaleOperations()
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if reg.CountPending() != 2 {
		t.Fatalf("expected 2 remaining pending, got %d", reg.CountPending())
	}
}

func mustCreateAt(t *testing.T, reg *Registry, ts int64, n int) {
	t.Helper()
	clock := ts
	reg.nowFunc = func() int64 { return clock }
	staker := domain.StakerID([]byte{byte(n)})
	token := domain.TokenID([]byte("token-a"))
	if _, err := reg.Create(CreateParams{Kind: domain.OperationStake, Token: token, Staker: staker, Amount: domain.AmountFromUint64(1)}); err != nil {
		t.Fatalf("Create: %v", err)
	}
}
