package factory

import (
	"context"
	"fmt"
	"iter"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

// Factory creates escrow instances and keeps the append-only registry of
// their ids. The registry lock serializes creation, so ids are assigned
// atomically and Count always equals the number of registered instances.
type Factory struct {
	mu        sync.RWMutex
	ids       []string
	instances map[string]*escrow.Instance

	db      *Database
	escrows *escrow.Database
	fees    escrow.FeePolicy
	assets  *escrow.Assets
	roles   escrow.Roles
	now     func() time.Time
}

// New builds an empty factory. With a nil db the registry lives in memory only.
func New(db *gorm.DB, fees escrow.FeePolicy, assets *escrow.Assets, roles escrow.Roles) *Factory {
	f := &Factory{
		instances: make(map[string]*escrow.Instance),
		fees:      fees,
		assets:    assets,
		roles:     roles,
		now:       time.Now,
	}
	if db != nil {
		f.db = NewDatabase(db)
		f.escrows = escrow.NewDatabase(db)
	}
	return f
}

// Create validates the terms, assigns the next id and registers a new escrow
// in the Created state. Nothing is registered when validation or persistence
// fails.
func (f *Factory) Create(ctx context.Context, params CreateParams) (types.EscrowRecord, error) {
	const op = "create"

	rec, err := f.prepare(params)
	if err != nil {
		return types.EscrowRecord{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return types.EscrowRecord{}, err
	}

	seq := len(f.ids) + 1
	rec.ID = fmt.Sprintf("E%d", seq)
	rec.CreatedAt = f.now()
	rec.UpdatedAt = rec.CreatedAt

	if f.db != nil {
		if err := f.db.CreateEscrow(ctx, seq, rec); err != nil {
			log.Error().Err(err).Str("escrow_id", rec.ID).Str("service", "factory").Msg("failed to persist escrow")
			return types.EscrowRecord{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	f.register(rec)

	log.Info().
		Str("escrow_id", rec.ID).
		Str("buyer", rec.Buyer).
		Str("seller", rec.Seller).
		Str("price", rec.Price.String()).
		Str("fee", rec.Fee.String()).
		Str("service", "factory").
		Msg("escrow created")

	return rec.Clone(), nil
}

func (f *Factory) prepare(params CreateParams) (types.EscrowRecord, error) {
	const op = "create"

	buyer := types.NormalizeParty(params.Buyer)
	seller := types.NormalizeParty(params.Seller)
	switch {
	case buyer == "":
		return types.EscrowRecord{}, types.Errorf(types.KindInvalidParties, op, "buyer is required")
	case seller == "":
		return types.EscrowRecord{}, types.Errorf(types.KindInvalidParties, op, "seller is required")
	case types.SameParty(buyer, seller):
		return types.EscrowRecord{}, types.Errorf(types.KindInvalidParties, op, "buyer and seller must differ")
	}

	if params.Price == nil || params.Price.Sign() <= 0 {
		return types.EscrowRecord{}, types.Errorf(types.KindInvalidAmount, op, "price must be positive")
	}

	asset, ok := f.assets.Lookup(strings.TrimSpace(params.TokenAddress))
	if !ok {
		return types.EscrowRecord{}, types.Errorf(types.KindUnsupportedAsset, op, "token %q is not supported", params.TokenAddress)
	}

	price := new(big.Int).Set(params.Price)
	fee := f.fees.Fee(price)
	if fee == nil || fee.Sign() < 0 || fee.Cmp(price) >= 0 {
		return types.EscrowRecord{}, types.Errorf(types.KindInvalidAmount, op, "fee %v not below price %s", fee, price)
	}

	return types.EscrowRecord{
		Buyer:        buyer,
		Seller:       seller,
		TokenAddress: asset.Address,
		Price:        price,
		Fee:          fee,
		PaidAmount:   new(big.Int),
		Status:       types.StatusCreated,
	}, nil
}

// register must be called with mu held
func (f *Factory) register(rec types.EscrowRecord) {
	var store escrow.Store
	if f.escrows != nil {
		store = f.escrows
	}
	f.instances[rec.ID] = escrow.NewInstance(rec, f.roles, store)
	f.ids = append(f.ids, rec.ID)
}

// Count is the number of escrows ever created
func (f *Factory) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

// Instances yields escrow ids in creation order. Each iteration is bounded by
// the count observed when it starts; escrows created meanwhile are left for
// the next iteration.
func (f *Factory) Instances() iter.Seq[string] {
	return func(yield func(string) bool) {
		n := f.Count()
		for i := 0; i < n; i++ {
			f.mu.RLock()
			id := f.ids[i]
			f.mu.RUnlock()
			if !yield(id) {
				return
			}
		}
	}
}

// IDAt returns the id at a zero-based creation index
func (f *Factory) IDAt(index int) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if index < 0 || index >= len(f.ids) {
		return "", types.Errorf(types.KindNotFound, "escrows", "no escrow at index %d", index)
	}
	return f.ids[index], nil
}

func (f *Factory) Instance(id string) (*escrow.Instance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, "instance", "escrow %s not found", id)
	}
	return inst, nil
}

// Transfers lists the fund movements recorded for an escrow
func (f *Factory) Transfers(ctx context.Context, id string) ([]escrow.Transfer, error) {
	if _, err := f.Instance(id); err != nil {
		return nil, err
	}
	if f.escrows == nil {
		return nil, nil
	}
	return f.escrows.ListTransfers(ctx, id)
}

// Assets returns the supported token registry
func (f *Factory) Assets() *escrow.Assets {
	return f.assets
}

// Load replaces the in-memory registry with the persisted one
func (f *Factory) Load(ctx context.Context) error {
	if f.db == nil {
		return nil
	}

	records, err := f.db.LoadRegistry(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = make([]string, 0, len(records))
	f.instances = make(map[string]*escrow.Instance, len(records))
	for _, rec := range records {
		f.register(rec)
	}

	log.Info().Int("escrows", len(records)).Str("service", "factory").Msg("registry loaded")
	return nil
}
