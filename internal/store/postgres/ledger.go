package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kmangutov/vordex/internal/domain"
)

// checkViolation is the SQLSTATE raised when a balance leaves its
// [0, 2^256) range.
const checkViolation = "23514"

// Ledger implements domain.Ledger. Each Update is one read-committed
// transaction; position rows are locked FOR UPDATE and debits are
// conditional, so concurrent updates on the same position serialise in the
// database.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Update runs fn inside a transaction that commits only if fn returns nil.
func (l *Ledger) Update(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return pgx.BeginTxFunc(ctx, l.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&ledgerTx{tx: tx, forUpdate: true})
	})
}

// View runs fn inside a read-only transaction.
func (l *Ledger) View(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return pgx.BeginTxFunc(ctx, l.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return fn(&ledgerTx{tx: tx})
	})
}

type ledgerTx struct {
	tx        pgx.Tx
	forUpdate bool
}

func (t *ledgerTx) Debit(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error {
	if amount.IsZero() {
		return nil
	}
	const query = `
		UPDATE balances SET amount = amount - $3::numeric, updated_at = NOW()
		WHERE owner = $1 AND asset = $2 AND amount >= $3::numeric`
	tag, err := t.tx.Exec(ctx, query, owner.Hex(), string(asset), amount.String())
	if err != nil {
		return fmt.Errorf("postgres: debit %s %s: %w", owner.Hex(), asset, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: debit %s %s %s: %w", owner.Hex(), asset, amount, domain.ErrInsufficientFunds)
	}
	return nil
}

func (t *ledgerTx) Credit(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error {
	if amount.IsZero() {
		return nil
	}
	const query = `
		INSERT INTO balances (owner, asset, amount) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (owner, asset) DO UPDATE
		SET amount = balances.amount + EXCLUDED.amount, updated_at = NOW()`
	if _, err := t.tx.Exec(ctx, query, owner.Hex(), string(asset), amount.String()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == checkViolation {
			return fmt.Errorf("postgres: credit %s %s: %w", owner.Hex(), asset, domain.ErrAmountOverflow)
		}
		return fmt.Errorf("postgres: credit %s %s: %w", owner.Hex(), asset, err)
	}
	return nil
}

func (t *ledgerTx) BalanceOf(ctx context.Context, owner common.Address, asset domain.Asset) (domain.Amount, error) {
	var raw string
	err := t.tx.QueryRow(ctx,
		`SELECT amount::text FROM balances WHERE owner = $1 AND asset = $2`,
		owner.Hex(), string(asset),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ZeroAmount, nil
	}
	if err != nil {
		return domain.Amount{}, fmt.Errorf("postgres: balance %s %s: %w", owner.Hex(), asset, err)
	}
	return domain.ParseAmount(raw)
}

func (t *ledgerTx) NextPositionID(ctx context.Context) (domain.PositionID, error) {
	var next int64
	err := t.tx.QueryRow(ctx,
		`UPDATE ledger_counters SET value = value + 1 WHERE name = 'position_id' RETURNING value - 1`,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("postgres: next position id: %w", err)
	}
	return domain.PositionID(next), nil
}

const positionSelectCols = `id, seller, buyer, strike_price::text, expiry,
	collateral_amount::text, premium_amount::text, state,
	created_at, locked_at, settled_at`

func (t *ledgerTx) Position(ctx context.Context, id domain.PositionID) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	if t.forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPosition(t.tx.QueryRow(ctx, query, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, err)
	}
	return p, nil
}

func (t *ledgerTx) PutPosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, seller, buyer, strike_price, expiry, collateral_amount,
			premium_amount, state, created_at, locked_at, settled_at, updated_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5, $6::numeric,
			$7::numeric, $8, $9, $10, $11, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			buyer          = EXCLUDED.buyer,
			premium_amount = EXCLUDED.premium_amount,
			state          = EXCLUDED.state,
			locked_at      = EXCLUDED.locked_at,
			settled_at     = EXCLUDED.settled_at,
			updated_at     = NOW()`

	var buyer *string
	if p.Buyer != nil {
		b := p.Buyer.Hex()
		buyer = &b
	}
	_, err := t.tx.Exec(ctx, query,
		int64(p.ID), p.Seller.Hex(), buyer, p.StrikePrice.String(), p.Expiry,
		p.CollateralAmount.String(), p.PremiumAmount.String(), string(p.State),
		p.CreatedAt, p.LockedAt, p.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put position %s: %w", p.ID, err)
	}
	return nil
}

func (t *ledgerTx) Positions(ctx context.Context, f domain.PositionFilter) ([]domain.Position, error) {
	query, args := positionQuery(f)
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	out := []domain.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return out, nil
}

// positionQuery builds the filtered listing query.
func positionQuery(f domain.PositionFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Seller != nil {
		add("seller = $%d", f.Seller.Hex())
	}
	if f.Buyer != nil {
		add("buyer = $%d", f.Buyer.Hex())
	}
	if f.State != "" {
		add("state = $%d", string(f.State))
	}
	if f.SettledBefore != nil {
		add("settled_at < $%d", *f.SettledBefore)
	}

	query := `SELECT ` + positionSelectCols + ` FROM positions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                           domain.Position
		id                          int64
		seller, state               string
		buyer                       *string
		strike, collateral, premium string
		lockedAt, settledAt         *time.Time
	)
	if err := row.Scan(&id, &seller, &buyer, &strike, &p.Expiry,
		&collateral, &premium, &state, &p.CreatedAt, &lockedAt, &settledAt); err != nil {
		return domain.Position{}, err
	}

	p.ID = domain.PositionID(id)
	p.Seller = common.HexToAddress(seller)
	if buyer != nil {
		b := common.HexToAddress(*buyer)
		p.Buyer = &b
	}
	p.State = domain.PositionState(state)
	p.Expiry = p.Expiry.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	if lockedAt != nil {
		ts := lockedAt.UTC()
		p.LockedAt = &ts
	}
	if settledAt != nil {
		ts := settledAt.UTC()
		p.SettledAt = &ts
	}

	var err error
	if p.StrikePrice, err = domain.ParseAmount(strike); err != nil {
		return domain.Position{}, err
	}
	if p.CollateralAmount, err = domain.ParseAmount(collateral); err != nil {
		return domain.Position{}, err
	}
	if p.PremiumAmount, err = domain.ParseAmount(premium); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

var _ domain.Ledger = (*Ledger)(nil)
