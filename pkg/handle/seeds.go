// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/entativa/eid/pkg/storage"
)

//go:embed seeds/*.yaml
var seedFS embed.FS

type reservedSeed struct {
	Handle string `yaml:"handle"`
	Class  string `yaml:"class"`
	Reason string `yaml:"reason"`
}

type protectedSeed struct {
	Name      string   `yaml:"name"`
	Handle    string   `yaml:"handle"`
	Aliases   []string `yaml:"aliases"`
	Type      string   `yaml:"type"`
	Tier      string   `yaml:"tier"`
	Threshold float64  `yaml:"threshold"`
}

type seedData struct {
	Reserved  []reservedSeed  `yaml:"reserved"`
	Protected []protectedSeed `yaml:"protected"`
}

func loadSeeds() (*seedData, error) {
	entries, err := seedFS.ReadDir("seeds")
	if err != nil {
		return nil, fmt.Errorf("reading embedded seeds: %w", err)
	}
	var data seedData
	for _, entry := range entries {
		raw, err := seedFS.ReadFile("seeds/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading seed file %s: %w", entry.Name(), err)
		}
		var file seedData
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parsing seed file %s: %w", entry.Name(), err)
		}
		data.Reserved = append(data.Reserved, file.Reserved...)
		data.Protected = append(data.Protected, file.Protected...)
	}
	return &data, nil
}

// SeedStore loads the embedded reservation and protection lists into the
// store. Loads are idempotent upserts: descriptive fields refresh, operator
// claims survive.
func SeedStore(ctx context.Context, st storage.Store, now time.Time) error {
	data, err := loadSeeds()
	if err != nil {
		return err
	}

	return st.Tx(ctx, func(tx storage.Store) error {
		for _, seed := range data.Reserved {
			if err := tx.ReservedHandles().CreateReservedHandle(ctx, &storage.ReservedHandle{
				HandleLower: Fold(seed.Handle),
				Class:       seed.Class,
				Reason:      seed.Reason,
				CreatedAt:   now,
			}); err != nil {
				return fmt.Errorf("seeding reserved handle %q: %w", seed.Handle, err)
			}
		}
		for _, seed := range data.Protected {
			threshold := seed.Threshold
			if threshold <= 0 {
				threshold = 0.85
			}
			if err := tx.ProtectedEntities().CreateProtectedEntity(ctx, &storage.ProtectedEntity{
				ID:                  uuid.NewString(),
				Name:                seed.Name,
				Handle:              Fold(seed.Handle),
				Aliases:             seed.Aliases,
				Type:                seed.Type,
				Tier:                storage.ProtectionTier(seed.Tier),
				SimilarityThreshold: threshold,
				CreatedAt:           now,
				UpdatedAt:           now,
			}); err != nil {
				return fmt.Errorf("seeding protected entity %q: %w", seed.Name, err)
			}
		}
		return nil
	})
}

// SeedDefaults loads the embedded seed lists through the engine and drops
// cached validation verdicts that the new entries may contradict.
func (e *Engine) SeedDefaults(ctx context.Context) error {
	if err := SeedStore(ctx, e.store, e.clock.Now().UTC()); err != nil {
		return err
	}
	e.InvalidateValidations(ctx)
	return nil
}
