package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/edge-cluster-frontend/pkg/bootstrap"
	"github.com/morezero/edge-cluster-frontend/pkg/cluster"
)

const seedLogPrefix = "db:seed"

// SeedFromFile loads a seed (see bootstrap.LoadSeedConfig) and applies it.
func SeedFromFile(ctx context.Context, pool *pgxpool.Pool, path string) error {
	slog.Info(fmt.Sprintf("%s - seeding from %q", seedLogPrefix, path))
	cfg, err := bootstrap.LoadSeedConfig(path)
	if err != nil {
		return fmt.Errorf("%s - load seed: %w", seedLogPrefix, err)
	}
	return Seed(ctx, pool, cfg)
}

// Seed upserts every entry of cfg in one transaction. Re-running a seed
// updates existing rows; VM CPU values are appended as fresh samples.
func Seed(ctx context.Context, pool *pgxpool.Pool, cfg *bootstrap.SeedConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s - invalid seed: %w", seedLogPrefix, err)
	}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, u := range cfg.Users {
			_, err := tx.Exec(ctx,
				`INSERT INTO users (name, password_hash)
				 VALUES ($1, crypt($2, gen_salt('bf')))
				 ON CONFLICT (name) DO UPDATE SET
				   password_hash = EXCLUDED.password_hash,
				   enabled = TRUE,
				   modified = NOW()`, u.Name, u.Password)
			if err != nil {
				return fmt.Errorf("user %s: %w", u.Name, err)
			}
		}

		for _, d := range cfg.Documents {
			typ, _ := d.DocumentType()
			_, err := tx.Exec(ctx,
				`INSERT INTO documents (id, type, name, owner, public, template)
				 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
				 ON CONFLICT (id) DO UPDATE SET
				   type = EXCLUDED.type,
				   name = EXCLUDED.name,
				   owner = EXCLUDED.owner,
				   public = EXCLUDED.public,
				   template = EXCLUDED.template,
				   modified = NOW()`,
				d.ID, int(typ), d.Name, d.Owner, d.Public, templateOrEmpty(d.Template))
			if err != nil {
				return fmt.Errorf("document %d: %w", d.ID, err)
			}
		}

		for _, vm := range cfg.VMs {
			state := vm.State
			if state == 0 {
				state = cluster.VMStateRunning
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO vms (id, name, owner, state, template)
				 VALUES ($1, $2, NULLIF($3, ''), $4, $5)
				 ON CONFLICT (id) DO UPDATE SET
				   name = EXCLUDED.name,
				   owner = EXCLUDED.owner,
				   state = EXCLUDED.state,
				   template = EXCLUDED.template,
				   modified = NOW()`,
				vm.ID, vm.Name, vm.Owner, state, templateOrEmpty(vm.Template))
			if err != nil {
				return fmt.Errorf("vm %d: %w", vm.ID, err)
			}
			if vm.CPU != nil {
				if _, err := tx.Exec(ctx,
					`INSERT INTO vm_monitoring (vm_id, cpu) VALUES ($1, $2)
					 ON CONFLICT (vm_id, timestamp) DO UPDATE SET cpu = EXCLUDED.cpu`, vm.ID, *vm.CPU); err != nil {
					return fmt.Errorf("vm %d sample: %w", vm.ID, err)
				}
			}
		}

		for _, s := range cfg.Services {
			state := s.State
			if state == "" {
				state = cluster.ServiceStateRunning
			}
			nodes := make([]int32, len(s.Nodes))
			for i, n := range s.Nodes {
				nodes[i] = int32(n)
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO services (id, name, flavour, state, runtime_version, role_nodes)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (id) DO UPDATE SET
				   name = EXCLUDED.name,
				   flavour = EXCLUDED.flavour,
				   state = EXCLUDED.state,
				   runtime_version = EXCLUDED.runtime_version,
				   role_nodes = EXCLUDED.role_nodes,
				   modified = NOW()`,
				s.ID, s.Name, s.Flavour, state, s.RuntimeVersion, nodes)
			if err != nil {
				return fmt.Errorf("service %d: %w", s.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s - seed %q: %w", seedLogPrefix, cfg.Name, err)
	}

	slog.Info(fmt.Sprintf("%s - Seeded %q: %d users, %d documents, %d VMs, %d services",
		seedLogPrefix, cfg.Name, len(cfg.Users), len(cfg.Documents), len(cfg.VMs), len(cfg.Services)))
	return nil
}

func templateOrEmpty(t map[string]interface{}) map[string]interface{} {
	if t == nil {
		return map[string]interface{}{}
	}
	return t
}
