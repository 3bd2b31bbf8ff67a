package registry

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
)

func TestSQLStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bus_agents")).
		WithArgs("a1", "worker", "t1", "active", []byte(`["cross_tenant","read"]`), "1.0.0", ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Save(context.Background(), contracts.Agent{
		ID:                  "a1",
		Type:                "worker",
		TenantID:            "t1",
		Status:              contracts.AgentStatusActive,
		Capabilities:        contracts.Capabilities("read", "cross_tenant"),
		ConstitutionVersion: "1.0.0",
		RegisteredAt:        ts,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "agent_type", "tenant_id", "status", "capabilities", "constitution_version", "registered_at"}).
		AddRow("a1", "worker", "t1", "registered", []byte(`["read"]`), "1.0.0", ts).
		AddRow("a2", "reviewer", "t1", "suspended", []byte(`[]`), "", ts)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, agent_type, tenant_id, status, capabilities, constitution_version, registered_at FROM bus_agents ORDER BY id")).
		WillReturnRows(rows)

	agents, err := NewSQLStore(db).LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.True(t, agents[0].HasCapability("read"))
	assert.Equal(t, contracts.AgentStatusSuspended, agents[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM bus_agents WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "agent_type", "tenant_id", "status", "capabilities", "constitution_version", "registered_at"}))

	_, err = NewSQLStore(db).Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestSQLStore_Init(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS bus_agents")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.NoError(t, NewSQLStore(db).Init(context.Background()))
}
