package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/edge-cluster-frontend/pkg/cluster"
)

const storeLogPrefix = "db:store"

// DefaultVMPrefix selects the serverless runtime VMs by name.
const DefaultVMPrefix = "FAAS_"

// Store is the Postgres inventory. Documents and the running VM list are
// read through per-call sessions scoped to the caller; the service
// directory, monitoring and VM templates are shared.
type Store struct {
	pool     *pgxpool.Pool
	vmPrefix string
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// VMPrefix restricts RunningVMs to VMs whose name starts with it.
	VMPrefix string
}

// NewStore creates a Store on pool.
func NewStore(pool *pgxpool.Pool, opts StoreOptions) *Store {
	prefix := opts.VMPrefix
	if prefix == "" {
		prefix = DefaultVMPrefix
	}
	return &Store{pool: pool, vmPrefix: prefix}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Open authenticates creds and returns a session acting as that user.
func (s *Store) Open(ctx context.Context, creds cluster.Credentials) (cluster.Session, error) {
	var ok, enabled bool
	err := s.pool.QueryRow(ctx,
		`SELECT password_hash = crypt($2, password_hash), enabled
		 FROM users
		 WHERE name = $1`, creds.User, creds.Password).Scan(&ok, &enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown user %q", cluster.ErrUnauthenticated, creds.User)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - authenticate %q: %w", storeLogPrefix, creds.User, err)
	}
	if !ok || !enabled {
		return nil, fmt.Errorf("%w: user %q", cluster.ErrUnauthenticated, creds.User)
	}
	slog.Debug(fmt.Sprintf("%s - Session opened for %s", storeLogPrefix, creds.User))
	return &session{store: s, user: creds.User}, nil
}

type session struct {
	store *Store
	user  string
}

func (ss *session) document(ctx context.Context, id int) (*cluster.Document, error) {
	var (
		doc    cluster.Document
		typ    int
		owner  *string
		public bool
	)
	err := ss.store.pool.QueryRow(ctx,
		`SELECT id, type, owner, public, template
		 FROM documents
		 WHERE id = $1`, id).Scan(&doc.ID, &typ, &owner, &public, &doc.Template)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, cluster.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - read document %d: %w", storeLogPrefix, id, err)
	}
	if owner != nil {
		doc.Owner = *owner
	}
	if !public && doc.Owner != ss.user {
		return nil, fmt.Errorf("user %s may not use document %d: %w", ss.user, id, cluster.ErrForbidden)
	}
	doc.Type = cluster.DocumentType(typ)
	return &doc, nil
}

func (ss *session) Function(ctx context.Context, id int) (*cluster.Function, error) {
	doc, err := ss.document(ctx, id)
	if err != nil {
		return nil, err
	}
	return cluster.FunctionFromDocument(doc)
}

func (ss *session) Requirement(ctx context.Context, id int) (*cluster.Requirement, error) {
	doc, err := ss.document(ctx, id)
	if err != nil {
		return nil, err
	}
	return cluster.RequirementFromDocument(doc)
}

// RunningVMs lists running runtime VMs owned by the session user or shared.
func (ss *session) RunningVMs(ctx context.Context) ([]int, error) {
	rows, err := ss.store.pool.Query(ctx,
		`SELECT id FROM vms
		 WHERE state = $1
		   AND starts_with(name, $2)
		   AND (owner = $3 OR owner IS NULL)
		 ORDER BY id`, cluster.VMStateRunning, ss.store.vmPrefix, ss.user)
	if err != nil {
		return nil, fmt.Errorf("%s - list running VMs: %w", storeLogPrefix, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("%s - scan running VMs: %w", storeLogPrefix, err)
	}
	return ids, nil
}

// ActiveServices lists running services of flavour in id order.
func (s *Store) ActiveServices(ctx context.Context, flavour string) ([]cluster.Service, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, flavour, state, runtime_version, role_nodes
		 FROM services
		 WHERE flavour = $1 AND state = $2
		 ORDER BY id`, flavour, cluster.ServiceStateRunning)
	if err != nil {
		return nil, fmt.Errorf("%s - list services for %q: %w", storeLogPrefix, flavour, err)
	}
	services, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (cluster.Service, error) {
		var (
			svc   cluster.Service
			nodes []int32
		)
		if err := row.Scan(&svc.ID, &svc.Name, &svc.Flavour, &svc.State, &svc.RuntimeVersion, &nodes); err != nil {
			return svc, err
		}
		svc.Nodes = make([]int, len(nodes))
		for i, n := range nodes {
			svc.Nodes[i] = int(n)
		}
		return svc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s - scan services: %w", storeLogPrefix, err)
	}
	slog.Debug(fmt.Sprintf("%s - %d active services for flavour %q", storeLogPrefix, len(services), flavour))
	return services, nil
}

// CPUSamples returns the latest CPU sample of every monitored VM.
func (s *Store) CPUSamples(ctx context.Context) (map[int]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (vm_id) vm_id, cpu
		 FROM vm_monitoring
		 ORDER BY vm_id, timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("%s - read monitoring: %w", storeLogPrefix, err)
	}
	defer rows.Close()

	samples := make(map[int]float64)
	for rows.Next() {
		var (
			id  int
			cpu float64
		)
		if err := rows.Scan(&id, &cpu); err != nil {
			return nil, fmt.Errorf("%s - scan monitoring: %w", storeLogPrefix, err)
		}
		samples[id] = cpu
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - read monitoring: %w", storeLogPrefix, err)
	}
	return samples, nil
}

// RecordCPUSample stores a monitoring sample for vmID.
func (s *Store) RecordCPUSample(ctx context.Context, vmID int, cpu float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vm_monitoring (vm_id, cpu) VALUES ($1, $2)
		 ON CONFLICT (vm_id, timestamp) DO UPDATE SET cpu = EXCLUDED.cpu`, vmID, cpu)
	if err != nil {
		return fmt.Errorf("%s - record sample for VM %d: %w", storeLogPrefix, vmID, err)
	}
	return nil
}

// VMTemplate returns the network template of VM id.
func (s *Store) VMTemplate(ctx context.Context, id int) (*cluster.VM, error) {
	var (
		name     string
		template map[string]interface{}
	)
	err := s.pool.QueryRow(ctx,
		`SELECT name, template FROM vms WHERE id = $1`, id).Scan(&name, &template)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("VM %d: %w", id, cluster.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - read VM %d: %w", storeLogPrefix, id, err)
	}
	return cluster.VMFromTemplate(id, name, template), nil
}
