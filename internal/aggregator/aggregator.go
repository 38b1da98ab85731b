// Package aggregator builds point-in-time snapshots of every escrow the factory
// has created. Instance reads run concurrently; results keep the factory's
// enumeration order and every failure is reported next to its id.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

// Source enumerates escrow ids and reads individual records
type Source interface {
	ListInstances(ctx context.Context) iter.Seq2[string, error]
	ReadEscrow(ctx context.Context, id string) (types.EscrowRecord, error)
}

// Observer receives per-fetch outcomes
type Observer interface {
	ObserveFetch(err error, attempts int, elapsed time.Duration)
	ObserveSnapshot(items, failed int, elapsed time.Duration)
}

type Options struct {
	Concurrency    int
	FetchTimeout   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 16
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 5 * time.Second
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	return o
}

// Item is the outcome for one escrow. Exactly one of Record and Err is set.
type Item struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id"`
	Record   *types.EscrowRecord `json:"record,omitempty"`
	Err      error               `json:"-"`
	Attempts int                 `json:"attempts"`
}

type Snapshot struct {
	Items   []Item    `json:"items"`
	TakenAt time.Time `json:"taken_at"`
}

// Records returns the successfully read records in creation order
func (s Snapshot) Records() []types.EscrowRecord {
	out := make([]types.EscrowRecord, 0, len(s.Items))
	for _, item := range s.Items {
		if item.Record != nil {
			out = append(out, *item.Record)
		}
	}
	return out
}

// Failed returns the items whose read failed
func (s Snapshot) Failed() []Item {
	var out []Item
	for _, item := range s.Items {
		if item.Err != nil {
			out = append(out, item)
		}
	}
	return out
}

type Aggregator struct {
	opts     Options
	observer Observer
}

// New creates an aggregator. observer may be nil.
func New(opts Options, observer Observer) *Aggregator {
	return &Aggregator{opts: opts.withDefaults(), observer: observer}
}

// SnapshotAll reads every escrow src enumerates. Per-item failures are kept in
// the snapshot; an enumeration failure or cancellation of ctx fails the whole
// call.
func (a *Aggregator) SnapshotAll(ctx context.Context, src Source) (Snapshot, error) {
	start := time.Now()
	logger := log.With().Str("component", "aggregator").Logger()

	var (
		items   []*Item
		enumErr error
		g       errgroup.Group
	)
	g.SetLimit(a.opts.Concurrency)

	for id, err := range src.ListInstances(ctx) {
		if err != nil {
			enumErr = err
			break
		}
		if ctx.Err() != nil {
			break
		}
		item := &Item{Index: len(items), ID: id}
		items = append(items, item)
		g.Go(func() error {
			a.fetch(ctx, src, item)
			return nil
		})
	}
	_ = g.Wait()

	if enumErr != nil {
		logger.Error().Err(enumErr).Msg("failed to enumerate escrows")
		return Snapshot{}, fmt.Errorf("enumerate escrows: %w", enumErr)
	}
	if err := ctx.Err(); err != nil {
		logger.Warn().Err(err).Int("started", len(items)).Msg("snapshot abandoned")
		return Snapshot{}, err
	}

	snap := Snapshot{Items: make([]Item, len(items)), TakenAt: time.Now()}
	failed := 0
	for i, item := range items {
		snap.Items[i] = *item
		if item.Err != nil {
			failed++
		}
	}

	elapsed := time.Since(start)
	if a.observer != nil {
		a.observer.ObserveSnapshot(len(items), failed, elapsed)
	}
	logger.Info().
		Int("items", len(items)).
		Int("failed", failed).
		Dur("elapsed", elapsed).
		Msg("snapshot taken")
	return snap, nil
}

func (a *Aggregator) fetch(ctx context.Context, src Source, item *Item) {
	start := time.Now()

	attempt := func() error {
		item.Attempts++
		actx, cancel := context.WithTimeout(ctx, a.opts.FetchTimeout)
		defer cancel()

		rec, err := src.ReadEscrow(actx, item.ID)
		if err == nil {
			item.Record = &rec
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return types.Wrap(types.KindTransportFailure, "fetch", err)
		}
		if errors.Is(err, types.ErrTransportFailure) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.opts.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.opts.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		log.Debug().
			Err(err).
			Str("escrow_id", item.ID).
			Int("attempt", item.Attempts).
			Dur("retry_in", wait).
			Msg("escrow read failed, retrying")
	})
	if err != nil {
		item.Err = err
		log.Warn().Err(err).Str("escrow_id", item.ID).Int("attempts", item.Attempts).Msg("escrow read failed")
	}
	if a.observer != nil {
		a.observer.ObserveFetch(err, item.Attempts, time.Since(start))
	}
}
