package domain

import (
	"context"
	"time"
)

// Item is one record in the shared (pk, sk) store. The core treats the
// persisted tables — cost, admin config, API keys, accounts, model rates —
// as opaque key-value items plus indexed queries.
type Item struct {
	PK   string
	SK   string
	Data []byte
}

// ItemStore is the typed store interface shared with collaborators.
type ItemStore interface {
	Get(ctx context.Context, pk, sk string) (*Item, error)
	Put(ctx context.Context, item Item) error
	Query(ctx context.Context, pk string) ([]Item, error)
	Delete(ctx context.Context, pk, sk string) error
}

// CostReader answers the spend lookups the rate limiter needs.
type CostReader interface {
	// UserSpend returns the user's hourly/daily/monthly cost record.
	UserSpend(ctx context.Context, userID string) (Spend, error)
	// LifetimeSpend sums all historical plus current-month cost.
	LifetimeSpend(ctx context.Context, userID string) (float64, error)
}

// LimitReader answers rate-limit configuration lookups.
type LimitReader interface {
	AdminLimits(ctx context.Context) ([]Limit, error)
	UserGroups(ctx context.Context, userID string) ([]string, error)
	GroupLimit(ctx context.Context, groupName string) (*Limit, error)
	UserLimit(ctx context.Context, userID string) (*Limit, error)
}

// AccessReader answers shared/group/assistant data-source access lookups.
type AccessReader interface {
	// HasAccess reports whether an explicit access record grants userID the
	// given data source.
	HasAccess(ctx context.Context, userID, dataSourceID string) (bool, error)
}

// ModelReader loads the model registry from the admin tables.
type ModelReader interface {
	Models(ctx context.Context) ([]ModelDescriptor, error)
	UserPermittedModels(ctx context.Context, userID string) ([]string, error)
}

// UsageRecord is the structured usage event the gateway emits per request.
type UsageRecord struct {
	UserID      string
	RequestID   string
	ModelID     string
	AccountID   string
	TokensIn    int
	TokensOut   int
	Cost        float64
	Duration    time.Duration
	ObservedAt  time.Time
	FailureCode string
}

// UsageRecorder receives usage events. The core only emits; persistence is a
// collaborator concern.
type UsageRecorder interface {
	Record(ctx context.Context, rec UsageRecord) error
}
