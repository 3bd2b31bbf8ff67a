package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
)

// SQLStore persists agents in PostgreSQL.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const pgAgentSchema = `
CREATE TABLE IF NOT EXISTS bus_agents (
	id TEXT PRIMARY KEY,
	agent_type TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	capabilities JSONB NOT NULL,
	constitution_version TEXT NOT NULL,
	registered_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS bus_agents_tenant_idx ON bus_agents (tenant_id);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgAgentSchema)
	return err
}

func (s *SQLStore) Save(ctx context.Context, a contracts.Agent) error {
	caps, err := json.Marshal(a.CapabilityList())
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	query := `
		INSERT INTO bus_agents (id, agent_type, tenant_id, status, capabilities, constitution_version, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET agent_type = $2, tenant_id = $3, status = $4, capabilities = $5, constitution_version = $6, registered_at = $7
	`
	_, err = s.db.ExecContext(ctx, query, a.ID, a.Type, a.TenantID, string(a.Status), caps, a.ConstitutionVersion, a.RegisteredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (contracts.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, agent_type, tenant_id, status, capabilities, constitution_version, registered_at FROM bus_agents WHERE id = $1", id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, err
}

func (s *SQLStore) LoadAll(ctx context.Context) ([]contracts.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, agent_type, tenant_id, status, capabilities, constitution_version, registered_at FROM bus_agents ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc scanner) (contracts.Agent, error) {
	var (
		a      contracts.Agent
		status string
		caps   []byte
	)
	if err := sc.Scan(&a.ID, &a.Type, &a.TenantID, &status, &caps, &a.ConstitutionVersion, &a.RegisteredAt); err != nil {
		return contracts.Agent{}, err
	}
	a.Status = contracts.AgentStatus(status)

	var list []string
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &list); err != nil {
			return contracts.Agent{}, fmt.Errorf("agent %s: bad capabilities: %w", a.ID, err)
		}
	}
	a.Capabilities = contracts.Capabilities(list...)
	return a, nil
}
