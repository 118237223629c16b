package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kmangutov/vordex/internal/domain"
	"github.com/kmangutov/vordex/internal/settlement"
)

// PositionsStream is the durable stream mirroring the positions channel.
const PositionsStream = "stream:positions"

const defaultLockTTL = 10 * time.Second

// PositionNotifier receives every settlement event.
type PositionNotifier interface {
	NotifyPosition(ctx context.Context, evt domain.PositionEvent) error
}

// SettlementOptions are the optional collaborators of SettlementService. Nil
// fields disable the matching side effect.
type SettlementOptions struct {
	Locks    domain.LockManager
	LockTTL  time.Duration
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Notifier PositionNotifier
}

// SettlementService wraps the settlement engine with cross-process locking,
// event publication, auditing and notifications. Side effects run after the
// ledger commits; their failures are logged and never undo a settlement.
type SettlementService struct {
	engine *settlement.Engine
	oracle domain.PriceOracle
	clock  domain.Clock
	opts   SettlementOptions
	logger *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(
	engine *settlement.Engine,
	oracle domain.PriceOracle,
	clock domain.Clock,
	opts SettlementOptions,
	logger *slog.Logger,
) *SettlementService {
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	return &SettlementService{
		engine: engine,
		oracle: oracle,
		clock:  clock,
		opts:   opts,
		logger: logger.With(slog.String("component", "settlement_service")),
	}
}

// Policy returns the engine policy.
func (s *SettlementService) Policy() settlement.Policy {
	return s.engine.Policy()
}

// Create opens a new position for caller.
func (s *SettlementService) Create(ctx context.Context, caller common.Address, p settlement.CreateParams) (domain.Position, error) {
	pos, err := s.engine.Create(ctx, caller, p)
	if err != nil {
		s.rejected(ctx, "create", caller, nil, err)
		return domain.Position{}, err
	}
	s.emit(ctx, domain.EventPositionCreated, caller, pos, nil)
	return pos, nil
}

// Lock buys position id for caller at premium.
func (s *SettlementService) Lock(ctx context.Context, caller common.Address, id domain.PositionID, premium domain.Amount) (domain.Position, error) {
	var pos domain.Position
	err := s.withLock(ctx, id, func() error {
		var err error
		pos, err = s.engine.Lock(ctx, caller, id, premium)
		return err
	})
	if err != nil {
		s.rejected(ctx, "lock", caller, &id, err)
		return domain.Position{}, err
	}
	s.emit(ctx, domain.EventPositionLocked, caller, pos, nil)
	return pos, nil
}

// Exercise settles position id for its buyer and returns the oracle price
// used.
func (s *SettlementService) Exercise(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, domain.Amount, error) {
	var (
		pos   domain.Position
		price domain.Amount
	)
	err := s.withLock(ctx, id, func() error {
		var err error
		pos, price, err = s.engine.Exercise(ctx, caller, id)
		return err
	})
	if err != nil {
		s.rejected(ctx, "exercise", caller, &id, err)
		return domain.Position{}, domain.Amount{}, err
	}
	s.emit(ctx, domain.EventPositionExercised, caller, pos, &price)
	return pos, price, nil
}

// Expire returns the collateral of an expired position to its seller.
func (s *SettlementService) Expire(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, error) {
	var pos domain.Position
	err := s.withLock(ctx, id, func() error {
		var err error
		pos, err = s.engine.Expire(ctx, caller, id)
		return err
	})
	if err != nil {
		s.rejected(ctx, "expire", caller, &id, err)
		return domain.Position{}, err
	}
	s.emit(ctx, domain.EventPositionExpired, caller, pos, nil)
	return pos, nil
}

// Get returns one position.
func (s *SettlementService) Get(ctx context.Context, id domain.PositionID) (domain.Position, error) {
	return s.engine.Get(ctx, id)
}

// List returns positions matching filter.
func (s *SettlementService) List(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	return s.engine.List(ctx, filter)
}

// Balances returns the owner's balance of every custody asset.
func (s *SettlementService) Balances(ctx context.Context, owner common.Address) (map[domain.Asset]domain.Amount, error) {
	out := make(map[domain.Asset]domain.Amount, len(domain.Assets))
	for _, asset := range domain.Assets {
		bal, err := s.engine.Balance(ctx, owner, asset)
		if err != nil {
			return nil, err
		}
		out[asset] = bal
	}
	return out, nil
}

// Deposit funds owner's custody account.
func (s *SettlementService) Deposit(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error {
	if err := s.engine.Deposit(ctx, owner, asset, amount); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "deposit",
		slog.String("owner", owner.Hex()),
		slog.String("asset", string(asset)),
		slog.String("amount", amount.String()),
	)
	s.audit(ctx, "deposit", map[string]any{
		"owner":  owner.Hex(),
		"asset":  string(asset),
		"amount": amount.String(),
	})
	return nil
}

// Withdraw debits owner's custody account.
func (s *SettlementService) Withdraw(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error {
	if err := s.engine.Withdraw(ctx, owner, asset, amount); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "withdraw",
		slog.String("owner", owner.Hex()),
		slog.String("asset", string(asset)),
		slog.String("amount", amount.String()),
	)
	s.audit(ctx, "withdraw", map[string]any{
		"owner":  owner.Hex(),
		"asset":  string(asset),
		"amount": amount.String(),
	})
	return nil
}

// Price reads the oracle.
func (s *SettlementService) Price(ctx context.Context) (domain.Amount, error) {
	return s.oracle.LatestPrice(ctx)
}

// SetPrice pushes a price into a writable oracle, or returns
// domain.ErrReadOnlyOracle.
func (s *SettlementService) SetPrice(ctx context.Context, price domain.Amount) error {
	setter, ok := s.oracle.(domain.PriceSetter)
	if !ok {
		return domain.ErrReadOnlyOracle
	}
	if err := setter.SetPrice(ctx, price); err != nil {
		return fmt.Errorf("settlement_service: set price: %w", err)
	}
	s.logger.InfoContext(ctx, "oracle price set", slog.String("price", price.String()))
	s.audit(ctx, "oracle_price_set", map[string]any{"price": price.String()})
	return nil
}

// withLock runs fn holding the cross-process lock for id when one is
// configured.
func (s *SettlementService) withLock(ctx context.Context, id domain.PositionID, fn func() error) error {
	if s.opts.Locks == nil {
		return fn()
	}
	unlock, err := s.opts.Locks.Acquire(ctx, "position:"+id.String(), s.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("settlement_service: position %s: %w", id, err)
	}
	defer unlock()
	return fn()
}

func (s *SettlementService) emit(ctx context.Context, event string, caller common.Address, pos domain.Position, price *domain.Amount) {
	evt := domain.PositionEvent{
		Event:    event,
		Position: pos,
		Caller:   caller,
		Price:    price,
		At:       s.clock.Now().UTC(),
	}

	attrs := []any{
		slog.String("event", event),
		slog.String("position_id", pos.ID.String()),
		slog.String("caller", caller.Hex()),
		slog.String("state", string(pos.State)),
	}
	if price != nil {
		attrs = append(attrs, slog.String("price", price.String()))
	}
	s.logger.InfoContext(ctx, "position transition", attrs...)

	if s.opts.Bus != nil {
		payload, err := json.Marshal(evt)
		if err != nil {
			s.logger.WarnContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		} else {
			if err := s.opts.Bus.Publish(ctx, domain.PositionsChannel, payload); err != nil {
				s.logger.WarnContext(ctx, "publish event failed",
					slog.String("position_id", pos.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			if err := s.opts.Bus.StreamAppend(ctx, PositionsStream, payload); err != nil {
				s.logger.WarnContext(ctx, "stream append failed",
					slog.String("position_id", pos.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	detail := map[string]any{
		"position_id": strconv.FormatUint(uint64(pos.ID), 10),
		"caller":      caller.Hex(),
		"state":       string(pos.State),
	}
	if price != nil {
		detail["price"] = price.String()
	}
	s.audit(ctx, event, detail)

	if s.opts.Notifier != nil {
		if err := s.opts.Notifier.NotifyPosition(ctx, evt); err != nil {
			s.logger.WarnContext(ctx, "notify failed",
				slog.String("position_id", pos.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *SettlementService) audit(ctx context.Context, event string, detail map[string]any) {
	if s.opts.Audit == nil {
		return
	}
	if err := s.opts.Audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) rejected(ctx context.Context, op string, caller common.Address, id *domain.PositionID, err error) {
	attrs := []any{
		slog.String("op", op),
		slog.String("caller", caller.Hex()),
		slog.String("error", err.Error()),
	}
	if id != nil {
		attrs = append(attrs, slog.String("position_id", id.String()))
	}
	s.logger.WarnContext(ctx, "settlement rejected", attrs...)
}
