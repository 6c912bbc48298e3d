package domain

import "testing"

func TestPendingOperationIsStale(t *testing.T) {
	op := PendingOperation{Timestamp: 1000}
	if op.IsStale(1000+3600-1, 3600) {
		t.Fatal("operation should not be stale one second before timeout")
	}
	if !op.IsStale(1000+3600+1, 3600) {
		t.Fatal("operation should be stale one second after timeout")
	}
}

func TestKeyIdentifiesTripleNotBytes(t *testing.T) {
	staker := StakerID([]byte("alice"))
	token := TokenID([]byte("token-a"))
	k1 := Key(staker, token, OperationStake)
	k2 := Key(StakerID([]byte("alice")), TokenID([]byte("token-a")), OperationStake)
	if k1 != k2 {
		t.Fatalf("expected identical keys for identical triples: %+v vs %+v", k1, k2)
	}
	k3 := Key(staker, token, OperationUnstake)
	if k1 == k3 {
		t.Fatal("keys for different kinds must differ")
	}
}
