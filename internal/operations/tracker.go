// Package operations records writes submitted through a gateway and follows
// them from PENDING to CONFIRMED or FAILED.
package operations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/osazeejedi/escrow-interact/internal/gateway"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

const idempotencyTTL = 24 * time.Hour

// ErrIdempotencyConflict is returned when a key is reused for a different
// caller or kind of write
var ErrIdempotencyConflict = errors.New("idempotency key already used for another request")

// Observer is told about every state an operation reaches
type Observer interface {
	ObserveOperation(kind, state string)
}

// Request describes a write about to be submitted
type Request struct {
	Kind           string
	Target         string
	Caller         string
	IdempotencyKey string
}

// SubmitFunc hands the write to the gateway
type SubmitFunc func(ctx context.Context) (gateway.PendingOperation, error)

type Tracker struct {
	db       *Database
	observer Observer

	keys    keyLocks
	mu      sync.Mutex
	waiters map[string]chan struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

// NewTracker creates a tracker. observer may be nil.
func NewTracker(db *gorm.DB, observer Observer) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		db:       NewDatabase(db),
		observer: observer,
		waiters:  make(map[string]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Submit runs submit and records the resulting pending write. A request
// carrying an unexpired idempotency key that was already used returns the
// original operation without submitting again. Errors from submit itself are
// returned as is and leave no record.
func (t *Tracker) Submit(ctx context.Context, req Request, submit SubmitFunc) (*Operation, error) {
	if req.IdempotencyKey != "" {
		unlock := t.keys.lock(req.IdempotencyKey)
		defer unlock()

		existing, err := t.lookup(ctx, req)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	pending, err := submit(ctx)
	if err != nil {
		return nil, err
	}

	op := &Operation{
		OperationID: uuid.New().String(),
		Kind:        req.Kind,
		Target:      req.Target,
		Caller:      req.Caller,
		State:       StatePending,
		TxHash:      pending.Hash(),
		SubmittedAt: t.now(),
	}

	// register before persisting so Await never misses the finish signal
	done := make(chan struct{})
	t.mu.Lock()
	t.waiters[op.OperationID] = done
	t.mu.Unlock()

	if err := t.db.CreateWithIdempotency(ctx, op, req.IdempotencyKey, idempotencyTTL); err != nil {
		log.Error().Err(err).Str("tx_hash", op.TxHash).Msg("failed to record operation, following it unrecorded")
		t.wg.Add(1)
		go t.watch(op, pending, done, false)
		return nil, fmt.Errorf("record operation: %w", err)
	}
	t.observe(op)

	log.Info().
		Str("operation_id", op.OperationID).
		Str("kind", op.Kind).
		Str("target", op.Target).
		Str("tx_hash", op.TxHash).
		Msg("operation submitted")

	out := *op
	t.wg.Add(1)
	go t.watch(op, pending, done, true)

	return &out, nil
}

// keyLocks serializes submissions that share an idempotency key. Writes under
// different keys proceed concurrently.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (t *Tracker) lookup(ctx context.Context, req Request) (*Operation, error) {
	record, err := t.db.GetIdempotencyRecord(ctx, req.IdempotencyKey)
	if err != nil || record == nil {
		return nil, err
	}
	if record.ExpiresAt.Before(t.now()) {
		return nil, t.db.DeleteIdempotencyRecord(ctx, record)
	}
	if record.Caller != req.Caller || record.ResourceType != req.Kind {
		return nil, ErrIdempotencyConflict
	}
	return t.db.GetOperation(ctx, record.ResourceID)
}

func (t *Tracker) watch(op *Operation, pending gateway.PendingOperation, done chan struct{}, persist bool) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.waiters, op.OperationID)
		t.mu.Unlock()
		close(done)
	}()

	logger := log.With().
		Str("operation_id", op.OperationID).
		Str("kind", op.Kind).
		Str("tx_hash", op.TxHash).
		Logger()

	receipt, err := pending.Wait(t.ctx)
	if err != nil && t.ctx.Err() != nil {
		logger.Warn().Msg("stopped watching operation, left pending")
		return
	}

	committedAt := t.now()
	op.CommittedAt = &committedAt
	op.Block = receipt.Block
	if err != nil {
		op.State = StateFailed
		op.Error = err.Error()
		op.ErrorKind = string(types.KindOf(err))
		logger.Warn().Err(err).Msg("operation failed")
	} else {
		op.State = StateConfirmed
		if v := receipt.Return.First(); v != nil {
			op.Result = fmt.Sprint(v)
		}
		logger.Info().Uint64("block", receipt.Block).Str("result", op.Result).Msg("operation confirmed")
	}

	if !persist {
		return
	}
	if err := t.db.Finish(context.Background(), op); err != nil {
		logger.Error().Err(err).Msg("failed to record operation outcome")
		return
	}
	t.observe(op)
}

func (t *Tracker) observe(op *Operation) {
	if t.observer != nil {
		t.observer.ObserveOperation(op.Kind, string(op.State))
	}
}

func (t *Tracker) Get(ctx context.Context, id string) (*Operation, error) {
	return t.db.GetOperation(ctx, id)
}

// Await blocks until the operation leaves PENDING or ctx is done, then
// returns its latest recorded state
func (t *Tracker) Await(ctx context.Context, id string) (*Operation, error) {
	t.mu.Lock()
	done, ok := t.waiters[id]
	t.mu.Unlock()

	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return t.db.GetOperation(ctx, id)
}

// Recover marks operations left PENDING by a previous run as FAILED. Their
// outcome can no longer be observed through this process.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	ops, err := t.db.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	for i := range ops {
		op := &ops[i]
		now := t.now()
		op.State = StateFailed
		op.Error = "interrupted before commitment was observed"
		op.CommittedAt = &now
		if err := t.db.Finish(ctx, op); err != nil {
			return i, err
		}
		t.observe(op)
	}
	if len(ops) > 0 {
		log.Warn().Int("operations", len(ops)).Msg("marked interrupted operations as failed")
	}
	return len(ops), nil
}

// Close stops watching and waits for watchers to exit. Operations still
// pending stay PENDING.
func (t *Tracker) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.cancel()
		<-done
		return ctx.Err()
	}
}
