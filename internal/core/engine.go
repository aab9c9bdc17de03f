package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/fault"
	"LendLedger/internal/flash"
	"LendLedger/internal/ledger"
	"LendLedger/internal/leverage"
	"LendLedger/internal/liquidation"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/pool"
	"LendLedger/internal/shock"
	"LendLedger/internal/txn"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	DefaultIdempotencyCapacity = 100_000

	// globalPartition orders commands from producers that send a source
	// sequence. There is a single upstream stream per engine.
	globalPartition = "global"
)

// Options configures an Engine. Zero values select defaults.
type Options struct {
	MinCollateralRatio  uint64
	FeeBps              uint16
	MaxLeverageLoops    int
	ShockEnabled        bool
	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker
	Metrics             *observability.Metrics
	Logger              zerolog.Logger
}

// Engine is the single writer of lending state. Every command runs under
// one lock inside one unit of work, so it either commits entirely or
// leaves no trace.
type Engine struct {
	mu sync.Mutex

	sequence          int64 // next sequence to assign
	hasher            *StateHasher
	ledger            *ledger.Ledger
	liquidations      *liquidation.Engine
	flash             *flash.Liquidator
	leverage          *leverage.Manager
	shocker           *shock.Shocker
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything a committed command produced, in the order the
// persistence and projection workers need it.
type CoreOutput struct {
	Envelope     *event.CommandEnvelope
	Batches      []*ledger.Batch
	Delta        StateDelta
	Liquidations []*liquidation.Record
}

// StateDelta carries the rows of the durable state tables a command changed.
type StateDelta struct {
	Pool      pool.Reserves
	Positions map[uuid.UUID]ledger.Position
}

// Outcome is returned to the caller of Process.
type Outcome struct {
	Sequence  int64
	StateHash [32]byte
	Duplicate bool
	Result    any
}

// NewEngine wires the pool, ledger and the operations that act on them.
// A nil channel disables that output.
func NewEngine(opts Options, persistChan, projectionChan chan<- CoreOutput) (*Engine, error) {
	if opts.MinCollateralRatio == 0 {
		opts.MinCollateralRatio = ledger.DefaultMinCollateralRatio
	}
	if opts.IdempotencyCapacity <= 0 {
		opts.IdempotencyCapacity = DefaultIdempotencyCapacity
	}
	if opts.FeeBps >= pool.BpsDenominator {
		return nil, fmt.Errorf("pool fee %d bps must be below %d", opts.FeeBps, pool.BpsDenominator)
	}
	if opts.MinCollateralRatio <= 100 {
		return nil, fmt.Errorf("min collateral ratio %d must exceed 100", opts.MinCollateralRatio)
	}

	l := ledger.New(pool.New(opts.FeeBps), opts.MinCollateralRatio)
	liquidations, err := liquidation.NewEngine(l)
	if err != nil {
		return nil, err
	}

	return &Engine{
		sequence:          1,
		hasher:            NewStateHasher(),
		ledger:            l,
		liquidations:      liquidations,
		flash:             flash.New(l, liquidations),
		leverage:          leverage.New(l, opts.MaxLeverageLoops),
		shocker:           shock.New(l, opts.ShockEnabled),
		idempotency:       NewIdempotencyChecker(opts.IdempotencyCapacity, opts.DBChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// Process applies one command. A duplicate command ID returns an Outcome
// with Duplicate set and changes nothing. A failed command returns its
// error and leaves state, sequence and hash chain untouched.
func (c *Engine) Process(cmd event.Command) (*Outcome, error) {
	return c.process(cmd, true)
}

// Replay applies a command read back from the command log. Nothing is
// emitted: the outputs are already durable.
func (c *Engine) Replay(cmd event.Command) (*Outcome, error) {
	return c.process(cmd, false)
}

func (c *Engine) process(cmd event.Command, emit bool) (*Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()
	if idempotencyKey == "" {
		c.reject(commandType, string(fault.KindInvalidCommand))
		return nil, fmt.Errorf("%s: missing command id: %w", commandType, fault.ErrInvalidCommand)
	}

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(commandType, idempotencyKey)
	c.observeDedup(commandType)

	// Step 2: Sequence validation (gaps tolerated, stale rejected)
	sourceSequence := cmd.SourceSequence()
	if err := c.sequenceValidator.ValidateSequence(globalPartition, sourceSequence, isDuplicate); err != nil {
		c.reject(commandType, "stale")
		if c.metrics != nil {
			c.metrics.CommandsStale.WithLabelValues(globalPartition).Inc()
		}
		return nil, fmt.Errorf("sequence validation failed: %v: %w", err, fault.ErrInvalidCommand)
	}
	if c.metrics != nil && !isDuplicate && sourceSequence > 0 {
		if expected := c.sequenceValidator.GetExpectedSequence(globalPartition); expected > 0 && sourceSequence > expected {
			c.metrics.SequenceGaps.WithLabelValues(globalPartition).Inc()
		}
	}
	if isDuplicate {
		c.reject(commandType, "duplicate")
		return &Outcome{Sequence: c.sequence - 1, StateHash: c.hasher.GetPrevHash(), Duplicate: true}, nil
	}

	// Step 3: Dispatch inside a unit of work
	var result any
	effects, err := txn.Run(func(u *txn.Unit) (err error) {
		result, err = c.dispatch(u, cmd)
		return err
	})
	if err != nil {
		c.reject(commandType, string(fault.KindOf(err)))
		c.logger.Debug().Err(err).Str("command_type", commandType).Str("command_id", idempotencyKey).Msg("command rejected")
		return nil, err
	}

	// Step 4: Stamp journals and collect the state delta
	seq := c.sequence
	ts := cmd.OccurredAt().UnixMicro()
	output := CoreOutput{Delta: StateDelta{Positions: make(map[uuid.UUID]ledger.Position)}}
	for _, eff := range effects {
		switch e := eff.(type) {
		case *ledger.Batch:
			e.Stamp(idempotencyKey, seq, ts)
			output.Batches = append(output.Batches, e)
		case ledger.PositionChanged:
			output.Delta.Positions[e.Account] = e.Position
		case *liquidation.Record:
			output.Liquidations = append(output.Liquidations, e)
		}
	}
	output.Delta.Pool = c.ledger.Pool().Reserves()

	// Step 5: Post-check. A violation here is a bug in a committed path.
	for _, b := range output.Batches {
		if err := c.ledger.ValidateBatch(b, seq); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch after %s %s: %v", commandType, idempotencyKey, err))
		}
	}
	if err := c.ledger.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s %s: %v", commandType, idempotencyKey, err))
	}

	// Step 6: Hash chain and envelope
	payload, err := json.Marshal(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode committed command %s: %v", idempotencyKey, err))
	}
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, c.computeStateDigest(output))
	output.Envelope = &event.CommandEnvelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		CommandType:    cmd.CommandType(),
		AccountID:      cmd.AccountID(),
		Timestamp:      cmd.OccurredAt(),
		SourceSequence: sourceSequence,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	c.sequence++
	c.sequenceValidator.Advance(globalPartition, sourceSequence)
	c.idempotency.MarkProcessed(commandType, idempotencyKey)

	// Step 7: Emit. Persistence blocks (backpressure); projections drop
	// when full and catch up from the log.
	if emit && c.persistChan != nil {
		c.persistChan <- output
	}
	if emit && c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}

	c.observe(commandType, start, output, result)
	return &Outcome{Sequence: seq, StateHash: stateHash, Result: result}, nil
}

// observeDedup publishes the idempotency checker's counters for
// commandType.
func (c *Engine) observeDedup(commandType string) {
	if c.metrics == nil {
		return
	}
	stats := c.idempotency.GetMetrics()
	lru, postgres := stats.GetDuplicates(commandType)
	c.metrics.DedupDuplicates.WithLabelValues(commandType, "lru").Set(float64(lru))
	c.metrics.DedupDuplicates.WithLabelValues(commandType, "postgres").Set(float64(postgres))
	c.metrics.DedupTier2Errors.Set(float64(stats.GetTier2Errors()))
}

func (c *Engine) reject(commandType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(commandType, reason).Inc()
	}
}

func (c *Engine) observe(commandType string, start time.Time, output CoreOutput, result any) {
	if c.metrics == nil {
		return
	}
	m := c.metrics
	m.CoreCommandsApplied.WithLabelValues(commandType).Inc()
	m.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(output.Envelope.Sequence))
	m.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))

	for _, b := range output.Batches {
		for _, j := range b.Journals {
			m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	r := output.Delta.Pool
	m.PoolReserve.WithLabelValues("ETH").Set(fpmath.ToDecimal(r.Collateral).InexactFloat64())
	m.PoolReserve.WithLabelValues("CORN").Set(fpmath.ToDecimal(r.Debt).InexactFloat64())
	if price, err := c.ledger.Pool().Price(); err == nil {
		m.PoolPrice.Set(price.Decimal(6).InexactFloat64())
	}

	open := 0
	for _, p := range c.ledger.Positions() {
		if !p.IsEmpty() {
			open++
		}
	}
	m.OpenPositions.Set(float64(open))

	switch res := result.(type) {
	case *liquidation.Record:
		m.Liquidations.WithLabelValues("direct").Inc()
	case *flash.Result:
		m.Liquidations.WithLabelValues("flash").Inc()
		m.FlashProfit.Add(fpmath.ToDecimal(res.Profit).InexactFloat64())
	case *leverage.OpenResult:
		m.LeverageLoops.WithLabelValues("open").Observe(float64(res.Iterations))
		if res.Stopped {
			m.LeverageStopped.Inc()
		}
	case *leverage.CloseResult:
		m.LeverageLoops.WithLabelValues("close").Observe(float64(res.Iterations))
	case *shock.Result:
		m.PriceShocks.WithLabelValues(res.Direction.String()).Inc()
	}
}

// computeStateDigest serializes the state a command touched in canonical
// order: pool reserves, changed positions by account, then the balance of
// every account the journals moved, by account path.
func (c *Engine) computeStateDigest(output CoreOutput) []byte {
	digest := make([]byte, 0, 512)
	digest = appendUint256(digest, output.Delta.Pool.Collateral)
	digest = appendUint256(digest, output.Delta.Pool.Debt)

	accounts := make([]uuid.UUID, 0, len(output.Delta.Positions))
	for id := range output.Delta.Positions {
		accounts = append(accounts, id)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].String() < accounts[j].String()
	})
	for _, id := range accounts {
		p := output.Delta.Positions[id]
		digest = append(digest, id[:]...)
		digest = appendUint256(digest, p.Collateral)
		digest = appendUint256(digest, p.Debt)
	}

	affected := make(map[ledger.AccountKey]bool)
	for _, b := range output.Batches {
		for _, j := range b.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}
	keys := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	for _, key := range keys {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendSignedInt(digest, c.ledger.Balance(key))
	}
	return digest
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	b := fpmath.OrZero(v).Bytes32()
	return append(buf, b[:]...)
}

func appendSignedInt(buf []byte, v *big.Int) []byte {
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	mag := new(big.Int).Abs(v).Bytes()
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}

// --- Read access ---

// View runs fn against the ledger under the engine lock. fn must not
// retain the ledger or mutate it.
func (c *Engine) View(fn func(l *ledger.Ledger) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.ledger)
}

// LastSequence returns the sequence of the last applied command, 0 before
// the first.
func (c *Engine) LastSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence - 1
}

// GetStateHash returns the current state hash (chain tip).
func (c *Engine) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}

// PoolInitialized reports whether the pool has been seeded.
func (c *Engine) PoolInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Pool().Initialized()
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the in-memory state needed to resume processing.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Pool            pool.Reserves
	Ledger          ledger.State
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Engine) CreateSnapshotState() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Pool:            c.ledger.Pool().Reserves(),
		Ledger:          c.ledger.State(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot replaces the engine state with snap and verifies the
// restored book before accepting it.
func (c *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevPool := c.ledger.Pool().Reserves()
	prevState := c.ledger.State()

	c.ledger.Pool().Restore(snap.Pool)
	if err := c.ledger.Restore(snap.Ledger); err != nil {
		c.ledger.Pool().Restore(prevPool)
		return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}
	if err := c.ledger.CheckInvariants(); err != nil {
		c.ledger.Pool().Restore(prevPool)
		if rerr := c.ledger.Restore(prevState); rerr != nil {
			panic(fmt.Sprintf("FATAL: cannot roll back failed restore: %v", rerr))
		}
		return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// SetDBChecker enables the durable dedup tier. Call it after replay, since
// every command in the log being replayed is already in it.
func (c *Engine) SetDBChecker(checker DBIdempotencyChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.dbChecker = checker
}

// WarmLRU loads recently applied command keys into the LRU.
func (c *Engine) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}
