// Package store backs the shared (pk, sk) tables — cost, admin config, API
// keys, accounts, model rates — with SQLite. The core treats these tables as
// opaque key-value items plus indexed queries; collaborators own their
// schemas.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// Partition key prefixes for the shared tables.
const (
	pkCost       = "cost#"
	pkCostTotals = "cost-history#"
	pkAdmin      = "admin"
	pkGroups     = "groups#"
	pkAccess     = "access#"
	pkModels     = "models"
	pkUserModels = "user-models#"
	pkUsage      = "usage#"
	pkLimits     = "limits#"
)

// Store is the SQLite-backed item store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and migrates) the store at the given DSN.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS items (
			pk   TEXT NOT NULL,
			sk   TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (pk, sk)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_pk ON items (pk)`,
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Get implements domain.ItemStore.
func (s *Store) Get(ctx context.Context, pk, sk string) (*domain.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM items WHERE pk = ? AND sk = ?`, pk, sk)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: item %s/%s", domain.ErrNotFound, pk, sk)
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &domain.Item{PK: pk, SK: sk, Data: data}, nil
}

// Put implements domain.ItemStore.
func (s *Store) Put(ctx context.Context, item domain.Item) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (pk, sk, data) VALUES (?, ?, ?)
		 ON CONFLICT (pk, sk) DO UPDATE SET data = excluded.data`,
		item.PK, item.SK, item.Data)
	return domain.WrapOp("put item", err)
}

// Query implements domain.ItemStore.
func (s *Store) Query(ctx context.Context, pk string) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sk, data FROM items WHERE pk = ? ORDER BY sk`, pk)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		item := domain.Item{PK: pk}
		if err := rows.Scan(&item.SK, &item.Data); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete implements domain.ItemStore.
func (s *Store) Delete(ctx context.Context, pk, sk string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE pk = ? AND sk = ?`, pk, sk)
	return domain.WrapOp("delete item", err)
}

// --- CostReader ---

type spendRecord struct {
	HourlyCost  [24]float64 `json:"hourly_cost"`
	DailyCost   float64     `json:"daily_cost"`
	MonthlyCost float64     `json:"monthly_cost"`
	AccountInfo string      `json:"account_info,omitempty"`
}

// UserSpend implements domain.CostReader.
func (s *Store) UserSpend(ctx context.Context, userID string) (domain.Spend, error) {
	item, err := s.Get(ctx, pkCost+userID, currentMonthKey())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Spend{}, nil
		}
		return domain.Spend{}, err
	}
	var rec spendRecord
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return domain.Spend{}, fmt.Errorf("decode spend: %w", err)
	}
	return domain.Spend{
		HourlyCost:  rec.HourlyCost,
		DailyCost:   rec.DailyCost,
		MonthlyCost: rec.MonthlyCost,
		AccountInfo: rec.AccountInfo,
	}, nil
}

// LifetimeSpend implements domain.CostReader: the historical totals plus the
// current month.
func (s *Store) LifetimeSpend(ctx context.Context, userID string) (float64, error) {
	total := 0.0

	items, err := s.Query(ctx, pkCostTotals+userID)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		var v struct {
			Total float64 `json:"total"`
		}
		if err := json.Unmarshal(item.Data, &v); err == nil {
			total += v.Total
		}
	}

	current, err := s.UserSpend(ctx, userID)
	if err != nil {
		return 0, err
	}
	return total + current.MonthlyCost, nil
}

// --- LimitReader ---

// AdminLimits implements domain.LimitReader.
func (s *Store) AdminLimits(ctx context.Context) ([]domain.Limit, error) {
	items, err := s.Query(ctx, pkAdmin)
	if err != nil {
		return nil, err
	}
	var limits []domain.Limit
	for _, item := range items {
		var l domain.Limit
		if err := json.Unmarshal(item.Data, &l); err != nil {
			s.logger.Warn("skip malformed admin limit", "sk", item.SK, "error", err)
			continue
		}
		l.Type = domain.LimitTypeAdmin
		limits = append(limits, l)
	}
	return limits, nil
}

// UserGroups implements domain.LimitReader.
func (s *Store) UserGroups(ctx context.Context, userID string) ([]string, error) {
	item, err := s.Get(ctx, pkGroups+userID, "membership")
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var groups []string
	if err := json.Unmarshal(item.Data, &groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return groups, nil
}

// GroupLimit implements domain.LimitReader.
func (s *Store) GroupLimit(ctx context.Context, groupName string) (*domain.Limit, error) {
	return s.limitAt(ctx, pkLimits+"group", groupName, domain.LimitTypeGroup)
}

// UserLimit implements domain.LimitReader.
func (s *Store) UserLimit(ctx context.Context, userID string) (*domain.Limit, error) {
	return s.limitAt(ctx, pkLimits+"user", userID, domain.LimitTypeUser)
}

func (s *Store) limitAt(ctx context.Context, pk, sk, limitType string) (*domain.Limit, error) {
	item, err := s.Get(ctx, pk, sk)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var l domain.Limit
	if err := json.Unmarshal(item.Data, &l); err != nil {
		return nil, fmt.Errorf("decode limit: %w", err)
	}
	l.Type = limitType
	return &l, nil
}

// --- AccessReader ---

// HasAccess implements domain.AccessReader: an access record row grants the
// data source.
func (s *Store) HasAccess(ctx context.Context, userID, dataSourceID string) (bool, error) {
	_, err := s.Get(ctx, pkAccess+userID, dataSourceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// --- ModelReader ---

// Models implements domain.ModelReader.
func (s *Store) Models(ctx context.Context) ([]domain.ModelDescriptor, error) {
	items, err := s.Query(ctx, pkModels)
	if err != nil {
		return nil, err
	}
	var models []domain.ModelDescriptor
	for _, item := range items {
		var m domain.ModelDescriptor
		if err := json.Unmarshal(item.Data, &m); err != nil {
			s.logger.Warn("skip malformed model record", "sk", item.SK, "error", err)
			continue
		}
		models = append(models, m)
	}
	return models, nil
}

// UserPermittedModels implements domain.ModelReader. No record means no
// restriction.
func (s *Store) UserPermittedModels(ctx context.Context, userID string) ([]string, error) {
	item, err := s.Get(ctx, pkUserModels+userID, "permitted")
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(item.Data, &ids); err != nil {
		return nil, fmt.Errorf("decode permitted models: %w", err)
	}
	return ids, nil
}

// --- UsageRecorder ---

// Record implements domain.UsageRecorder.
func (s *Store) Record(ctx context.Context, rec domain.UsageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}
	return s.Put(ctx, domain.Item{
		PK:   pkUsage + rec.UserID,
		SK:   rec.ObservedAt.UTC().Format(time.RFC3339Nano) + "#" + rec.RequestID,
		Data: data,
	})
}

func currentMonthKey() string {
	return time.Now().UTC().Format("2006-01")
}

// Compile-time interface checks.
var (
	_ domain.ItemStore     = (*Store)(nil)
	_ domain.CostReader    = (*Store)(nil)
	_ domain.LimitReader   = (*Store)(nil)
	_ domain.AccessReader  = (*Store)(nil)
	_ domain.ModelReader   = (*Store)(nil)
	_ domain.UsageRecorder = (*Store)(nil)
)
