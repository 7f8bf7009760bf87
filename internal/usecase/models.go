package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

// aliasFile is the versioned JSON alias document loaded at startup.
type aliasFile struct {
	Version int                         `json:"version"`
	Aliases map[string]domain.AliasInfo `json:"aliases"`
}

// ModelRegistry resolves aliases and exposes the per-user model catalog.
// Alias resolution is an O(1) lookup into an in-memory map loaded once at
// startup; the model table is read from the admin registry with a TTL cache.
type ModelRegistry struct {
	aliases map[string]domain.AliasInfo
	reader  domain.ModelReader
	cache   *ttlCache[map[string]domain.ModelDescriptor]
	logger  *slog.Logger
}

// NewModelRegistry loads the alias file and wires the admin-registry reader.
// A missing alias file yields an empty alias table, not an error.
func NewModelRegistry(cfg config.ModelsConfig, reader domain.ModelReader, logger *slog.Logger) (*ModelRegistry, error) {
	r := &ModelRegistry{
		aliases: make(map[string]domain.AliasInfo),
		reader:  reader,
		cache:   newTTLCache[map[string]domain.ModelDescriptor](cfg.RegistryTTL),
		logger:  logger,
	}

	if cfg.AliasFile != "" {
		data, err := os.ReadFile(cfg.AliasFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read alias file: %w", err)
			}
			logger.Warn("alias file not found, starting with empty alias table", "path", cfg.AliasFile)
		} else {
			var af aliasFile
			if err := json.Unmarshal(data, &af); err != nil {
				return nil, fmt.Errorf("parse alias file: %w", err)
			}
			r.aliases = af.Aliases
			logger.Info("model aliases loaded", "count", len(af.Aliases), "version", af.Version)
		}
	}

	return r, nil
}

// newModelRegistryWithAliases creates a registry with an in-memory alias
// table (for testing).
func newModelRegistryWithAliases(aliases map[string]domain.AliasInfo, reader domain.ModelReader, logger *slog.Logger) *ModelRegistry {
	return &ModelRegistry{
		aliases: aliases,
		reader:  reader,
		cache:   newTTLCache[map[string]domain.ModelDescriptor](0),
		logger:  logger,
	}
}

// ResolveAlias resolves a possibly-aliased model name. Unknown names pass
// through unchanged; empty names pass through unchanged.
func (r *ModelRegistry) ResolveAlias(name string) domain.AliasResolution {
	if name == "" {
		return domain.AliasResolution{ResolvedID: name}
	}
	info, ok := r.aliases[name]
	if !ok {
		return domain.AliasResolution{ResolvedID: name}
	}
	return domain.AliasResolution{ResolvedID: info.ResolvesTo, WasAlias: true, Info: &info}
}

// Aliases returns a copy of the alias table for catalog routes.
func (r *ModelRegistry) Aliases() map[string]domain.AliasInfo {
	out := make(map[string]domain.AliasInfo, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// Model returns the descriptor for a concrete model id.
func (r *ModelRegistry) Model(ctx context.Context, id string) (domain.ModelDescriptor, error) {
	models, err := r.models(ctx)
	if err != nil {
		return domain.ModelDescriptor{}, err
	}
	m, ok := models[id]
	if !ok {
		return domain.ModelDescriptor{}, fmt.Errorf("%w: model %q", domain.ErrNotFound, id)
	}
	return m, nil
}

func (r *ModelRegistry) models(ctx context.Context) (map[string]domain.ModelDescriptor, error) {
	return r.cache.get("models", func() (map[string]domain.ModelDescriptor, error) {
		list, err := r.reader.Models(ctx)
		if err != nil {
			return nil, err
		}
		m := make(map[string]domain.ModelDescriptor, len(list))
		for _, d := range list {
			m[d.ID] = d
		}
		return m, nil
	})
}

// UserAvailableModels returns the catalog for a user: the permitted models
// plus derived selections. Cheapest is the lowest per-token rate; advanced
// the highest.
func (r *ModelRegistry) UserAvailableModels(ctx context.Context, userID string) (domain.UserModels, error) {
	all, err := r.models(ctx)
	if err != nil {
		return domain.UserModels{}, err
	}

	permitted, err := r.reader.UserPermittedModels(ctx, userID)
	if err != nil {
		return domain.UserModels{}, err
	}

	out := domain.UserModels{ModelsByID: make(map[string]domain.ModelDescriptor)}
	ids := permitted
	if len(ids) == 0 {
		// No explicit permission record: the full registry is available.
		for id := range all {
			ids = append(ids, id)
		}
	}

	var cheapestRate, advancedRate float64
	for _, id := range ids {
		m, ok := all[id]
		if !ok {
			continue
		}
		out.ModelsByID[id] = m
		rate := m.InputTokenRate + m.OutputTokenRate
		if out.Cheapest == "" || rate < cheapestRate {
			out.Cheapest = id
			cheapestRate = rate
		}
		if out.Advanced == "" || rate > advancedRate {
			out.Advanced = id
			advancedRate = rate
		}
	}
	out.DocumentCaching = out.Cheapest

	return out, nil
}
