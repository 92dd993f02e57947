package storage

import (
	"context"
	"testing"
	"time"

	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStoreWithDB(mock, zerolog.Nop()), mock
}

func TestPostgresStore_CommitAssignment(t *testing.T) {
	t.Run("Should claim a pending escalation", func(t *testing.T) {
		s, mock := newMockStore(t)
		at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		mock.ExpectExec(`UPDATE escalations SET status = \$1, assigned_agent_id = \$2, assigned_at = \$3 WHERE id = \$4 AND status = \$5`).
			WithArgs("assigned", "agent-a", at, "e1", "pending").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		ok, err := s.CommitAssignment(context.Background(), "e1", "agent-a", at)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should report false when already claimed", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE escalations`).
			WithArgs("assigned", "agent-a", pgxmock.AnyArg(), "e1", "pending").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		ok, err := s.CommitAssignment(context.Background(), "e1", "agent-a", time.Now())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_CreateEscalationUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO escalations`).
		WithArgs("e1", "c1", "s1", 2, "pending", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateEscalation(context.Background(), pending("e1", "c1", "s1", 2, time.Now()))
	assert.ErrorIs(t, err, ErrActiveEscalation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPendingEscalations(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(escalationColumns).
		AddRow("e1", "c1", "s1", 5, "pending", created, nil, nil).
		AddRow("e2", "c2", "s1", 1, "pending", created, nil, nil)
	mock.ExpectQuery(`SELECT (.+) FROM escalations WHERE status = \$1 AND sector_id = \$2 ORDER BY priority DESC, created_at ASC LIMIT 10`).
		WithArgs("pending", "s1").
		WillReturnRows(rows)

	result, err := s.ListPendingEscalations(context.Background(), types.PendingFilter{SectorID: "s1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, "e1", result[0].ID)
	assert.Equal(t, types.EscalationPending, result[0].Status)
	assert.Empty(t, result[0].AssignedAgentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountAssignedEscalations(t *testing.T) {
	s, mock := newMockStore(t)
	rows := pgxmock.NewRows([]string{"assigned_agent_id", "count"}).
		AddRow("a", int64(3))
	mock.ExpectQuery(`SELECT assigned_agent_id, COUNT\(\*\) FROM escalations WHERE status = \$1 AND assigned_agent_id IN \(\$2,\$3\) GROUP BY assigned_agent_id`).
		WithArgs("assigned", "a", "b").
		WillReturnRows(rows)

	counts, err := s.CountAssignedEscalations(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 3, "b": 0}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountAssignedEscalationsEmpty(t *testing.T) {
	s, mock := newMockStore(t)

	counts, err := s.CountAssignedEscalations(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLastAssignedAgentNone(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT assigned_agent_id FROM escalations WHERE sector_id = \$1`).
		WithArgs("s1").
		WillReturnError(pgx.ErrNoRows)

	agentID, err := s.GetLastAssignedAgent(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, agentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLastAssignedAgentOrdersByTimeThenID(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT assigned_agent_id FROM escalations WHERE (.+) ORDER BY assigned_at DESC, id DESC LIMIT 1`).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"assigned_agent_id"}).AddRow("agent-c"))

	agentID, err := s.GetLastAssignedAgent(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "agent-c", agentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDistributionPolicyAbsent(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.+) FROM distribution_policies WHERE sector_id = \$1`).
		WithArgs("s1").
		WillReturnError(pgx.ErrNoRows)

	policy, err := s.GetDistributionPolicy(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, policy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSectorAgentsJoinsPresence(t *testing.T) {
	s, mock := newMockStore(t)
	rows := pgxmock.NewRows([]string{"sector_id", "agent_id", "status"}).
		AddRow("s1", "a", "online").
		AddRow("s1", "b", "offline")
	mock.ExpectQuery(`SELECT sa.sector_id, sa.agent_id, COALESCE\(ap.status, 'offline'\) FROM sector_agents sa LEFT JOIN agent_presence ap`).
		WithArgs("s1").
		WillReturnRows(rows)

	agents, err := s.ListSectorAgents(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []types.SectorAgent{
		{SectorID: "s1", AgentID: "a", Presence: types.PresenceOnline},
		{SectorID: "s1", AgentID: "b", Presence: types.PresenceOffline},
	}, agents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetSectorAgentsReplacesRoster(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM sector_agents WHERE sector_id = \$1`).
		WithArgs("s1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`INSERT INTO sector_agents \(sector_id,agent_id\) VALUES \(\$1,\$2\),\(\$3,\$4\)`).
		WithArgs("s1", "a", "s1", "b").
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	require.NoError(t, s.SetSectorAgents(context.Background(), "s1", []string{"a", "b"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveSectorAgentMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM sector_agents`).
		WithArgs("s1", "a").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := s.RemoveSectorAgent(context.Background(), "s1", "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
