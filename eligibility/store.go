package eligibility

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Distribution is the active reward period row. TokenAddr is the raw 20-byte
// on-chain address as stored, converted to canonical form before any read.
type Distribution struct {
	bun.BaseModel `bun:"table:distributions,alias:d"`

	ID               int64  `bun:"id,pk"`
	Number           int    `bun:"number"`
	Name             string `bun:"name"`
	SnapshotBlockNum *int64 `bun:"snapshot_block_num"`
	ChainID          int64  `bun:"chain_id"`
	TokenAddr        []byte `bun:"token_addr"`
}

// SendAccount is a user's on-chain account with its main tag, when one is
// registered.
type SendAccount struct {
	Address string `bun:"address"`
	MainTag string `bun:"main_tag"`
}

// TagRegistration is a distribution verification row proving tag ownership.
type TagRegistration struct {
	Weight int64 `bun:"weight"`
}

// EarnBalance is one balances-timeline row: the cumulative assets of a vault
// at a block. Assets is the database's numeric rendered as a string.
type EarnBalance struct {
	LogAddr []byte `bun:"log_addr"`
	Assets  string `bun:"assets"`
}

// Store is the relational surface the evaluator needs. Lookups that find no
// row return (nil, nil); errors are reserved for query failures.
type Store interface {
	ActiveDistribution(ctx context.Context) (*Distribution, error)
	SendAccount(ctx context.Context, userID string) (*SendAccount, error)
	TagRegistration(ctx context.Context, userID string, distributionID int64) (*TagRegistration, error)
	EarnBalances(ctx context.Context, owner []byte, maxBlock uint64) ([]EarnBalance, error)
}

type bunStore struct {
	db  *bun.DB
	now func() time.Time
}

// NewStore builds the Postgres-backed store.
func NewStore(db *bun.DB) Store {
	return &bunStore{db: db, now: time.Now}
}

// ActiveDistribution selects the highest-numbered distribution whose
// qualification window contains now.
func (s *bunStore) ActiveDistribution(ctx context.Context) (*Distribution, error) {
	now := s.now()

	d := new(Distribution)
	err := s.db.NewSelect().
		Model(d).
		Column("id", "number", "name", "snapshot_block_num", "chain_id", "token_addr").
		Where("qualification_start <= ?", now).
		Where("qualification_end >= ?", now).
		OrderExpr("number DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch distribution: %w", err)
	}
	return d, nil
}

func (s *bunStore) SendAccount(ctx context.Context, userID string) (*SendAccount, error) {
	acct := new(SendAccount)
	err := s.db.NewSelect().
		TableExpr("send_accounts AS sa").
		ColumnExpr("sa.address AS address").
		ColumnExpr("coalesce(t.name, '') AS main_tag").
		Join("LEFT JOIN tags AS t ON t.id = sa.main_tag_id").
		Where("sa.user_id = ?", userID).
		Limit(1).
		Scan(ctx, acct)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch send account: %w", err)
	}
	return acct, nil
}

func (s *bunStore) TagRegistration(ctx context.Context, userID string, distributionID int64) (*TagRegistration, error) {
	reg := new(TagRegistration)
	err := s.db.NewSelect().
		TableExpr("distribution_verifications").
		ColumnExpr("weight").
		Where("user_id = ?", userID).
		Where("distribution_id = ?", distributionID).
		Where("type = ?", "tag_registration").
		Where("weight > 0").
		Limit(1).
		Scan(ctx, reg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check tag ownership: %w", err)
	}
	return reg, nil
}

// EarnBalances returns timeline rows for owner at or before maxBlock, newest
// first, so the caller sees each vault's latest balance first.
func (s *bunStore) EarnBalances(ctx context.Context, owner []byte, maxBlock uint64) ([]EarnBalance, error) {
	var rows []EarnBalance
	err := s.db.NewSelect().
		TableExpr("send_earn_balances_timeline").
		ColumnExpr("log_addr").
		ColumnExpr("assets").
		Where("owner = ?", owner).
		Where("block_num <= ?", maxBlock).
		OrderExpr("block_num DESC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("fetch earn balances: %w", err)
	}
	return rows, nil
}
