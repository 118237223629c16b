// Package memory implements the domain ledger, audit log and signal bus in
// process memory. It backs tests, local runs and the scenario mode.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kmangutov/vordex/internal/domain"
)

var errReadOnly = errors.New("memory: write in read-only view")

type balanceKey struct {
	owner common.Address
	asset domain.Asset
}

// Ledger implements domain.Ledger. Update calls are serialised by a single
// mutex and their writes are staged until the callback succeeds.
type Ledger struct {
	mu        sync.RWMutex
	positions map[domain.PositionID]domain.Position
	balances  map[balanceKey]domain.Amount
	nextID    domain.PositionID
}

// NewLedger returns an empty ledger. Position ids start at 0.
func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[domain.PositionID]domain.Position),
		balances:  make(map[balanceKey]domain.Amount),
	}
}

// Update runs fn atomically.
func (l *Ledger) Update(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	t := &tx{
		l:         l,
		positions: make(map[domain.PositionID]domain.Position),
		balances:  make(map[balanceKey]domain.Amount),
		nextID:    l.nextID,
	}
	if err := fn(t); err != nil {
		return err
	}

	for id, p := range t.positions {
		l.positions[id] = p
	}
	for k, v := range t.balances {
		l.balances[k] = v
	}
	l.nextID = t.nextID
	return nil
}

// View runs fn against a read-only snapshot.
func (l *Ledger) View(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(&tx{l: l, readOnly: true, nextID: l.nextID})
}

// tx overlays staged writes on top of the committed ledger state.
type tx struct {
	l         *Ledger
	readOnly  bool
	positions map[domain.PositionID]domain.Position
	balances  map[balanceKey]domain.Amount
	nextID    domain.PositionID
}

func (t *tx) BalanceOf(_ context.Context, owner common.Address, asset domain.Asset) (domain.Amount, error) {
	k := balanceKey{owner, asset}
	if v, ok := t.balances[k]; ok {
		return v, nil
	}
	return t.l.balances[k], nil
}

func (t *tx) Debit(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error {
	if t.readOnly {
		return errReadOnly
	}
	bal, _ := t.BalanceOf(ctx, owner, asset)
	next, ok := bal.Sub(amount)
	if !ok {
		return fmt.Errorf("memory: debit %s %s (balance %s, need %s): %w",
			owner.Hex(), asset, bal, amount, domain.ErrInsufficientFunds)
	}
	t.balances[balanceKey{owner, asset}] = next
	return nil
}

func (t *tx) Credit(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error {
	if t.readOnly {
		return errReadOnly
	}
	bal, _ := t.BalanceOf(ctx, owner, asset)
	next, ok := bal.Add(amount)
	if !ok {
		return fmt.Errorf("memory: credit %s %s: %w", owner.Hex(), asset, domain.ErrAmountOverflow)
	}
	t.balances[balanceKey{owner, asset}] = next
	return nil
}

func (t *tx) NextPositionID(context.Context) (domain.PositionID, error) {
	if t.readOnly {
		return 0, errReadOnly
	}
	id := t.nextID
	t.nextID++
	return id, nil
}

func (t *tx) Position(_ context.Context, id domain.PositionID) (domain.Position, error) {
	if p, ok := t.positions[id]; ok {
		return clonePosition(p), nil
	}
	if p, ok := t.l.positions[id]; ok {
		return clonePosition(p), nil
	}
	return domain.Position{}, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
}

func (t *tx) PutPosition(_ context.Context, pos domain.Position) error {
	if t.readOnly {
		return errReadOnly
	}
	t.positions[pos.ID] = clonePosition(pos)
	return nil
}

func (t *tx) Positions(_ context.Context, f domain.PositionFilter) ([]domain.Position, error) {
	merged := make(map[domain.PositionID]domain.Position, len(t.l.positions)+len(t.positions))
	for id, p := range t.l.positions {
		merged[id] = p
	}
	for id, p := range t.positions {
		merged[id] = p
	}

	out := make([]domain.Position, 0, len(merged))
	for _, p := range merged {
		if f.Match(p) {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []domain.Position{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// clonePosition deep-copies the pointer fields so stored positions never
// alias values handed to callers.
func clonePosition(p domain.Position) domain.Position {
	if p.Buyer != nil {
		b := *p.Buyer
		p.Buyer = &b
	}
	if p.LockedAt != nil {
		t := *p.LockedAt
		p.LockedAt = &t
	}
	if p.SettledAt != nil {
		t := *p.SettledAt
		p.SettledAt = &t
	}
	return p
}

var _ domain.Ledger = (*Ledger)(nil)
