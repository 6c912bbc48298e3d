// Package ledger is the sole mutator of persistent staking-engine state:
// StakingPositions, PendingOperations, and the global reward counters
// (spec §3, §4.1). It follows the teacher's core/ledger.go durability
// discipline — an append-only write-ahead log replayed on start-up, with a
// mutex guarding every mutation even though the single-threaded dispatcher
// (spec §5) already serializes callers — and the lock-per-manager style of
// core/dao_staking.go and core/stake_penalty.go.
package ledger

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zoka-agari/high-stable/internal/domain"
	"github.com/zoka-agari/high-stable/internal/metrics"
)

// Config controls WAL and snapshot placement, mirroring the teacher's
// LedgerConfig in core/ledger.go.
type Config struct {
	WALPath          string
	SnapshotPath     string
	SnapshotInterval int
}

// Ledger holds every piece of mutable staking-engine state. All access goes
// through its exported methods; callers never reach into the maps directly.
type Ledger struct {
	mu sync.Mutex

	logger  *logrus.Logger
	metrics *metrics.Metrics

	positions map[string]map[string]domain.StakingPosition // token -> staker -> position
	pending   map[domain.OperationID]domain.PendingOperation

	currentRewards      domain.Amount
	lastRewardTimestamp int64
	mintTokenSupply     domain.Amount
	tokenWeights        map[string]uint64
	specialToken        string

	wal                 *os.File
	walPath             string
	snapshotPath        string
	snapshotInterval    int
	writesSinceSnapshot int
}

type walRecord struct {
	Op        string                  `json:"op"`
	Token     string                  `json:"token,omitempty"`
	Staker    string                  `json:"staker,omitempty"`
	Position  *domain.StakingPosition `json:"position,omitempty"`
	ID        domain.OperationID      `json:"id,omitempty"`
	Operation *domain.PendingOperation `json:"operation,omitempty"`
	Status    domain.OperationStatus  `json:"status,omitempty"`
	Amount    *domain.Amount          `json:"amount,omitempty"`
	Timestamp *int64                  `json:"timestamp,omitempty"`
}

type snapshot struct {
	Positions           map[string]map[string]domain.StakingPosition `json:"positions"`
	Pending             map[domain.OperationID]domain.PendingOperation `json:"pending"`
	CurrentRewards      domain.Amount                                 `json:"currentRewards"`
	LastRewardTimestamp int64                                         `json:"lastRewardTimestamp"`
	MintTokenSupply     domain.Amount                                 `json:"mintTokenSupply"`
}

// New opens (or creates) the WAL at cfg.WALPath, replays any snapshot plus
// subsequent WAL entries, and returns a ready Ledger. tokenWeights seeds the
// TokenWeight table from configuration (spec §3 TokenWeight).
func New(cfg Config, logger *logrus.Logger, m *metrics.Metrics, tokenWeights map[string]uint64, specialToken string) (*Ledger, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	// Configured token names go through the same hex-or-raw decoding as
	// wire identities, so they compare equal to TokenID.String().
	if specialToken != "" {
		tok, _ := domain.TokenIDFromString(specialToken)
		specialToken = tok.String()
	}
	l := &Ledger{
		logger:           logger,
		metrics:          m,
		positions:        make(map[string]map[string]domain.StakingPosition),
		pending:          make(map[domain.OperationID]domain.PendingOperation),
		currentRewards:   domain.ZeroAmount(),
		mintTokenSupply:  domain.ZeroAmount(),
		tokenWeights:     copyWeights(tokenWeights),
		specialToken:     specialToken,
		walPath:          cfg.WALPath,
		snapshotPath:     cfg.SnapshotPath,
		snapshotInterval: cfg.SnapshotInterval,
	}
	if l.snapshotInterval <= 0 {
		l.snapshotInterval = 500
	}

	if err := l.loadSnapshot(); err != nil {
		return nil, domain.Wrap(err, "load ledger snapshot")
	}

	if cfg.WALPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.WALPath), 0o755); err != nil {
			return nil, domain.Wrap(err, "create ledger dir")
		}
		wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
		if err != nil {
			return nil, domain.Wrap(err, "open ledger wal")
		}
		if err := l.replayWAL(wal); err != nil {
			_ = wal.Close()
			return nil, domain.Wrap(err, "replay ledger wal")
		}
		l.wal = wal
	}
	l.refreshGauges()
	return l, nil
}

func copyWeights(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (l *Ledger) loadSnapshot() error {
	if l.snapshotPath == "" {
		return nil
	}
	raw, err := os.ReadFile(l.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	if snap.Positions != nil {
		l.positions = snap.Positions
	}
	if snap.Pending != nil {
		l.pending = snap.Pending
	}
	l.currentRewards = snap.CurrentRewards
	l.lastRewardTimestamp = snap.LastRewardTimestamp
	l.mintTokenSupply = snap.MintTokenSupply
	return nil
}

func (l *Ledger) replayWAL(wal *os.File) error {
	scanner := bufio.NewScanner(wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return err
		}
		l.applyRecord(rec)
	}
	return scanner.Err()
}

func (l *Ledger) applyRecord(rec walRecord) {
	switch rec.Op {
	case "setPosition":
		m := l.positions[rec.Token]
		if m == nil {
			m = make(map[string]domain.StakingPosition)
			l.positions[rec.Token] = m
		}
		if rec.Position != nil {
			m[rec.Staker] = *rec.Position
		}
	case "clearPosition":
		if m, ok := l.positions[rec.Token]; ok {
			delete(m, rec.Staker)
		}
	case "setPending":
		if rec.Operation != nil {
			l.pending[rec.ID] = *rec.Operation
		}
	case "statusPending":
		if op, ok := l.pending[rec.ID]; ok {
			op.Status = rec.Status
			l.pending[rec.ID] = op
		}
	case "removePending":
		delete(l.pending, rec.ID)
	case "currentRewards":
		if rec.Amount != nil {
			l.currentRewards = *rec.Amount
		}
	case "lastRewardTimestamp":
		if rec.Timestamp != nil {
			l.lastRewardTimestamp = *rec.Timestamp
		}
	case "mintTokenSupply":
		if rec.Amount != nil {
			l.mintTokenSupply = *rec.Amount
		}
	}
}

func (l *Ledger) appendWAL(rec walRecord) error {
	if l.wal == nil {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := l.wal.Write(b); err != nil {
		return err
	}
	l.writesSinceSnapshot++
	if l.writesSinceSnapshot >= l.snapshotInterval {
		if err := l.snapshotLocked(); err != nil {
			l.logger.WithError(err).Warn("ledger snapshot failed")
		}
	}
	return nil
}

func (l *Ledger) snapshotLocked() error {
	if l.snapshotPath == "" {
		return nil
	}
	snap := snapshot{
		Positions:           l.positions,
		Pending:             l.pending,
		CurrentRewards:      l.currentRewards,
		LastRewardTimestamp: l.lastRewardTimestamp,
		MintTokenSupply:     l.mintTokenSupply,
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := l.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.snapshotPath); err != nil {
		return err
	}
	if err := l.wal.Truncate(0); err != nil {
		return err
	}
	if _, err := l.wal.Seek(0, 0); err != nil {
		return err
	}
	l.writesSinceSnapshot = 0
	return nil
}

func (l *Ledger) refreshGauges() {
	if l.metrics == nil {
		return
	}
	rewardsFloat, _ := new(big.Float).SetInt(l.currentRewards.Int()).Float64()
	l.metrics.CurrentRewards.Set(rewardsFloat)
	l.metrics.PendingOperationsOpen.Set(float64(l.countPendingLocked()))
	l.metrics.UniqueStakers.Set(float64(l.uniqueStakersLocked()))
}

func (l *Ledger) countPendingLocked() int {
	n := 0
	for _, op := range l.pending {
		if op.Status == domain.StatusPending {
			n++
		}
	}
	return n
}

func (l *Ledger) uniqueStakersLocked() int {
	seen := make(map[string]struct{})
	for _, byStaker := range l.positions {
		for staker, pos := range byStaker {
			if pos.Amount.Sign() > 0 {
				seen[staker] = struct{}{}
			}
		}
	}
	return len(seen)
}

// Close flushes a final snapshot and closes the WAL file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.wal == nil {
		return nil
	}
	if err := l.snapshotLocked(); err != nil {
		l.logger.WithError(err).Warn("final ledger snapshot failed")
	}
	return l.wal.Close()
}

// ---------------------------------------------------------------------
// StakingPosition accessors (spec §4.1)
// ---------------------------------------------------------------------

// GetStakingPosition returns the position for (token, staker) and whether it
// exists. amount > 0 is the existence invariant (spec §3).
func (l *Ledger) GetStakingPosition(token domain.TokenID, staker domain.StakerID) (domain.StakingPosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byStaker, ok := l.positions[token.String()]
	if !ok {
		return domain.StakingPosition{}, false
	}
	pos, ok := byStaker[staker.String()]
	if !ok || pos.Amount.Sign() <= 0 {
		return domain.StakingPosition{}, false
	}
	return pos, true
}

// SetStakingPosition replaces the position for (token, staker) atomically.
func (l *Ledger) SetStakingPosition(token domain.TokenID, staker domain.StakerID, pos domain.StakingPosition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.positions[token.String()]
	if m == nil {
		m = make(map[string]domain.StakingPosition)
		l.positions[token.String()] = m
	}
	m[staker.String()] = pos
	err := l.appendWAL(walRecord{Op: "setPosition", Token: token.String(), Staker: staker.String(), Position: &pos})
	l.refreshGauges()
	return err
}

// ClearStakingPosition removes the (token, staker) row entirely.
func (l *Ledger) ClearStakingPosition(token domain.TokenID, staker domain.StakerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.positions[token.String()]; ok {
		delete(m, staker.String())
	}
	err := l.appendWAL(walRecord{Op: "clearPosition", Token: token.String(), Staker: staker.String()})
	l.refreshGauges()
	return err
}

// PositionSnapshot is one row of a GetStakingPositions snapshot.
type PositionSnapshot struct {
	Token    domain.TokenID
	Staker   domain.StakerID
	Position domain.StakingPosition
}

// GetStakingPositions returns a deterministic, sorted, point-in-time
// snapshot of every position with amount > 0. Sorted traversal keeps the
// emission engine's output deterministic without relying on map iteration
// order (spec §9 re-architecture guidance).
func (l *Ledger) GetStakingPositions() []PositionSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PositionSnapshot, 0)
	tokens := make([]string, 0, len(l.positions))
	for t := range l.positions {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	for _, t := range tokens {
		stakers := make([]string, 0, len(l.positions[t]))
		for s := range l.positions[t] {
			stakers = append(stakers, s)
		}
		sort.Strings(stakers)
		for _, s := range stakers {
			pos := l.positions[t][s]
			if pos.Amount.Sign() <= 0 {
				continue
			}
			tokBytes, _ := hexDecodeOrRaw(t)
			stkBytes, _ := hexDecodeOrRaw(s)
			out = append(out, PositionSnapshot{Token: tokBytes, Staker: domain.StakerID(stkBytes), Position: pos})
		}
	}
	return out
}

// ---------------------------------------------------------------------
// PendingOperation accessors (spec §4.1, §4.2)
// ---------------------------------------------------------------------

// GetPendingOperation returns the operation by id and whether it exists.
func (l *Ledger) GetPendingOperation(id domain.OperationID) (domain.PendingOperation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.pending[id]
	return op, ok
}

// FindPending returns the live pending operation for a (staker, token, kind)
// triple, if any. Used by the registry to enforce the at-most-one-pending
// invariant (spec §3, §4.2).
func (l *Ledger) FindPending(key domain.PendingKey) (domain.PendingOperation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range l.pending {
		if op.Status != domain.StatusPending {
			continue
		}
		if op.Token.String() == key.Token && op.Sender.String() == key.Staker && op.Kind == key.Kind {
			return op, true
		}
	}
	return domain.PendingOperation{}, false
}

// SetPendingOperation persists a newly created operation.
func (l *Ledger) SetPendingOperation(op domain.PendingOperation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[op.ID] = op
	err := l.appendWAL(walRecord{Op: "setPending", ID: op.ID, Operation: &op})
	l.refreshGauges()
	return err
}

// UpdatePendingOperation overwrites the stored operation record (used after
// filling in mintAmount/lpTokens mid-protocol).
func (l *Ledger) UpdatePendingOperation(op domain.PendingOperation) error {
	return l.SetPendingOperation(op)
}

func (l *Ledger) setStatus(id domain.OperationID, status domain.OperationStatus) (domain.PendingOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.pending[id]
	if !ok {
		return domain.PendingOperation{}, domain.ErrNotFound
	}
	op.Status = status
	l.pending[id] = op
	err := l.appendWAL(walRecord{Op: "statusPending", ID: id, Status: status})
	l.refreshGauges()
	return op, err
}

// Complete transitions a pending operation to completed.
func (l *Ledger) Complete(id domain.OperationID) error {
	_, err := l.setStatus(id, domain.StatusCompleted)
	return err
}

// Fail transitions a pending operation to failed.
func (l *Ledger) Fail(id domain.OperationID) error {
	_, err := l.setStatus(id, domain.StatusFailed)
	return err
}

// RemovePendingOperation deletes the record outright (used by the reaper).
func (l *Ledger) RemovePendingOperation(id domain.OperationID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, id)
	err := l.appendWAL(walRecord{Op: "removePending", ID: id})
	l.refreshGauges()
	return err
}

// GetPendingOperations returns a shallow copy of every pending record,
// regardless of status.
func (l *Ledger) GetPendingOperations() map[domain.OperationID]domain.PendingOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[domain.OperationID]domain.PendingOperation, len(l.pending))
	for k, v := range l.pending {
		out[k] = v
	}
	return out
}

// CountPendingOperations returns the number of operations in status pending.
func (l *Ledger) CountPendingOperations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countPendingLocked()
}

// ---------------------------------------------------------------------
// Global counters (spec §3, §4.5)
// ---------------------------------------------------------------------

// CurrentRewards returns the cumulative minted reward counter.
func (l *Ledger) CurrentRewards() domain.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRewards
}

// AddCurrentRewards adds delta to the cumulative minted reward counter.
func (l *Ledger) AddCurrentRewards(delta domain.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentRewards = l.currentRewards.Add(delta)
	err := l.appendWAL(walRecord{Op: "currentRewards", Amount: &l.currentRewards})
	l.refreshGauges()
	return err
}

// LastRewardTimestamp returns the Unix-second timestamp of the last tick.
func (l *Ledger) LastRewardTimestamp() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRewardTimestamp
}

// SetLastRewardTimestamp records the Unix-second timestamp of the latest tick.
func (l *Ledger) SetLastRewardTimestamp(ts int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRewardTimestamp = ts
	return l.appendWAL(walRecord{Op: "lastRewardTimestamp", Timestamp: &ts})
}

// MintTokenSupply returns the last reported external MINT token supply.
func (l *Ledger) MintTokenSupply() domain.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mintTokenSupply
}

// SetMintTokenSupply overwrites the last reported external MINT supply.
func (l *Ledger) SetMintTokenSupply(supply domain.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mintTokenSupply = supply
	return l.appendWAL(walRecord{Op: "mintTokenSupply", Amount: &supply})
}

// TokenWeight returns the configured weight for token, defaulting to 100 if
// unset (spec §3 TokenWeight).
func (l *Ledger) TokenWeight(token domain.TokenID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.tokenWeights[token.String()]; ok {
		return w
	}
	return 100
}

// IsSpecialToken reports whether token is the configured SPECIAL_TOKEN whose
// weight is expressed as integer-division by 1000 (spec §3, §4.5).
func (l *Ledger) IsSpecialToken(token domain.TokenID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specialToken != "" && token.String() == l.specialToken
}

func hexDecodeOrRaw(s string) (domain.TokenID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return domain.TokenID(s), nil
	}
	return domain.TokenID(b), nil
}
