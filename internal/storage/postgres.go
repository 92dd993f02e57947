package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/dennisdiepolder/handoff/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// DB is the subset of pgxpool.Pool used by PostgresStore
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS escalations (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL,
		sector_id         TEXT NOT NULL,
		priority          INTEGER NOT NULL DEFAULT 0,
		status            TEXT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		assigned_agent_id TEXT,
		assigned_at       TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS escalations_active_conversation
		ON escalations (conversation_id) WHERE status IN ('pending', 'assigned')`,
	`CREATE INDEX IF NOT EXISTS escalations_pending_order
		ON escalations (priority DESC, created_at ASC) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS escalations_sector_assigned_at
		ON escalations (sector_id, assigned_at DESC)`,
	`CREATE TABLE IF NOT EXISTS distribution_policies (
		sector_id                TEXT PRIMARY KEY,
		auto_assign_enabled      BOOLEAN NOT NULL DEFAULT FALSE,
		strategy                 TEXT NOT NULL DEFAULT '',
		max_concurrent_per_agent INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS sector_agents (
		sector_id TEXT NOT NULL,
		agent_id  TEXT NOT NULL,
		PRIMARY KEY (sector_id, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS agent_presence (
		agent_id   TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id                TEXT PRIMARY KEY,
		assigned_agent_id TEXT,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS escalation_notifications (
		id              TEXT PRIMARY KEY,
		escalation_id   TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		agent_id        TEXT NOT NULL,
		type            TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
}

var escalationColumns = []string{
	"id",
	"conversation_id",
	"sector_id",
	"priority",
	"status",
	"created_at",
	"assigned_agent_id",
	"assigned_at",
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db     DB
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists
func NewPostgresStore(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	s := NewPostgresStoreWithDB(pool, logger)
	s.pool = pool

	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().Msg("connected to postgres")
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection
func NewPostgresStoreWithDB(db DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates tables and indexes if they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func selectEscalations() squirrel.SelectBuilder {
	return squirrel.
		Select(escalationColumns...).
		From("escalations").
		PlaceholderFormat(squirrel.Dollar)
}

func (s *PostgresStore) CreateEscalation(ctx context.Context, esc types.Escalation) error {
	query, args, err := squirrel.
		Insert("escalations").
		Columns("id", "conversation_id", "sector_id", "priority", "status", "created_at").
		Values(esc.ID, esc.ConversationID, esc.SectorID, esc.Priority, string(esc.Status), esc.CreatedAt).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert escalation: %w", err)
	}

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrActiveEscalation
		}
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEscalation(ctx context.Context, id string) (*types.Escalation, error) {
	query, args, err := selectEscalations().
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get escalation: %w", err)
	}

	esc, err := scanEscalation(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	return esc, nil
}

func (s *PostgresStore) ListPendingEscalations(ctx context.Context, filter types.PendingFilter) ([]types.Escalation, error) {
	builder := selectEscalations().
		Where(squirrel.Eq{"status": string(types.EscalationPending)})
	if filter.EscalationID != "" {
		builder = builder.Where(squirrel.Eq{"id": filter.EscalationID})
	}
	if filter.SectorID != "" {
		builder = builder.Where(squirrel.Eq{"sector_id": filter.SectorID})
	}
	builder = builder.OrderBy("priority DESC", "created_at ASC")
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list pending: %w", err)
	}
	return s.queryEscalations(ctx, query, args...)
}

func (s *PostgresStore) ListAgentEscalations(ctx context.Context, agentID string) ([]types.Escalation, error) {
	query, args, err := selectEscalations().
		Where(squirrel.Eq{"assigned_agent_id": agentID}).
		Where(squirrel.Eq{"status": string(types.EscalationAssigned)}).
		OrderBy("priority DESC", "created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list agent escalations: %w", err)
	}
	return s.queryEscalations(ctx, query, args...)
}

func (s *PostgresStore) queryEscalations(ctx context.Context, query string, args ...any) ([]types.Escalation, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	result := make([]types.Escalation, 0)
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		result = append(result, *esc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalations: %w", err)
	}
	return result, nil
}

func scanEscalation(row pgx.Row) (*types.Escalation, error) {
	var (
		esc        types.Escalation
		status     string
		assignedTo *string
	)
	if err := row.Scan(
		&esc.ID,
		&esc.ConversationID,
		&esc.SectorID,
		&esc.Priority,
		&status,
		&esc.CreatedAt,
		&assignedTo,
		&esc.AssignedAt,
	); err != nil {
		return nil, err
	}
	esc.Status = types.EscalationStatus(status)
	if assignedTo != nil {
		esc.AssignedAgentID = *assignedTo
	}
	return &esc, nil
}

func (s *PostgresStore) CountAssignedEscalations(ctx context.Context, agentIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(agentIDs))
	if len(agentIDs) == 0 {
		return counts, nil
	}
	for _, id := range agentIDs {
		counts[id] = 0
	}

	query, args, err := squirrel.
		Select("assigned_agent_id", "COUNT(*)").
		From("escalations").
		Where(squirrel.Eq{"status": string(types.EscalationAssigned)}).
		Where(squirrel.Eq{"assigned_agent_id": agentIDs}).
		GroupBy("assigned_agent_id").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count assigned: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count assigned: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			agentID string
			n       int64
		)
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, fmt.Errorf("scan assigned count: %w", err)
		}
		counts[agentID] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assigned counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) GetLastAssignedAgent(ctx context.Context, sectorID string) (string, error) {
	query, args, err := squirrel.
		Select("assigned_agent_id").
		From("escalations").
		Where(squirrel.Eq{"sector_id": sectorID}).
		Where(squirrel.NotEq{"assigned_at": nil}).
		Where(squirrel.NotEq{"assigned_agent_id": nil}).
		OrderBy("assigned_at DESC", "id DESC").
		Limit(1).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build last assigned: %w", err)
	}

	var agentID string
	err = s.db.QueryRow(ctx, query, args...).Scan(&agentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get last assigned agent: %w", err)
	}
	return agentID, nil
}

// CommitAssignment updates the row only while it is still pending; a
// concurrent claim leaves zero rows affected.
func (s *PostgresStore) CommitAssignment(ctx context.Context, escalationID, agentID string, at time.Time) (bool, error) {
	query, args, err := squirrel.
		Update("escalations").
		Set("status", string(types.EscalationAssigned)).
		Set("assigned_agent_id", agentID).
		Set("assigned_at", at).
		Where(squirrel.Eq{"id": escalationID}).
		Where(squirrel.Eq{"status": string(types.EscalationPending)}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build commit assignment: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("commit assignment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetConversationOwner(ctx context.Context, conversationID, agentID string) error {
	query, args, err := squirrel.
		Insert("conversations").
		Columns("id", "assigned_agent_id", "updated_at").
		Values(conversationID, agentID, time.Now().UTC()).
		Suffix("ON CONFLICT (id) DO UPDATE SET assigned_agent_id = EXCLUDED.assigned_agent_id, updated_at = EXCLUDED.updated_at").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build set conversation owner: %w", err)
	}

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("set conversation owner: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDistributionPolicy(ctx context.Context, sectorID string) (*types.DistributionPolicy, error) {
	query, args, err := squirrel.
		Select("sector_id", "auto_assign_enabled", "strategy", "max_concurrent_per_agent").
		From("distribution_policies").
		Where(squirrel.Eq{"sector_id": sectorID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get policy: %w", err)
	}

	var (
		policy   types.DistributionPolicy
		strategy string
	)
	err = s.db.QueryRow(ctx, query, args...).Scan(
		&policy.SectorID,
		&policy.AutoAssignEnabled,
		&strategy,
		&policy.MaxConcurrentPerAgent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get distribution policy: %w", err)
	}
	policy.Strategy = types.Strategy(strategy)
	return &policy, nil
}

func (s *PostgresStore) UpsertDistributionPolicy(ctx context.Context, policy types.DistributionPolicy) error {
	query, args, err := squirrel.
		Insert("distribution_policies").
		Columns("sector_id", "auto_assign_enabled", "strategy", "max_concurrent_per_agent").
		Values(policy.SectorID, policy.AutoAssignEnabled, string(policy.Strategy), policy.MaxConcurrentPerAgent).
		Suffix("ON CONFLICT (sector_id) DO UPDATE SET " +
			"auto_assign_enabled = EXCLUDED.auto_assign_enabled, " +
			"strategy = EXCLUDED.strategy, " +
			"max_concurrent_per_agent = EXCLUDED.max_concurrent_per_agent").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert policy: %w", err)
	}

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert distribution policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSectorAgents(ctx context.Context, sectorID string) ([]types.SectorAgent, error) {
	query, args, err := squirrel.
		Select("sa.sector_id", "sa.agent_id", "COALESCE(ap.status, 'offline')").
		From("sector_agents sa").
		LeftJoin("agent_presence ap ON ap.agent_id = sa.agent_id").
		Where(squirrel.Eq{"sa.sector_id": sectorID}).
		OrderBy("sa.agent_id").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sector agents: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sector agents: %w", err)
	}
	defer rows.Close()

	result := make([]types.SectorAgent, 0)
	for rows.Next() {
		var (
			agent  types.SectorAgent
			status string
		)
		if err := rows.Scan(&agent.SectorID, &agent.AgentID, &status); err != nil {
			return nil, fmt.Errorf("scan sector agent: %w", err)
		}
		agent.Presence = types.PresenceStatus(status)
		result = append(result, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sector agents: %w", err)
	}
	return result, nil
}

// SetSectorAgents replaces the roster of a sector in one transaction
func (s *PostgresStore) SetSectorAgents(ctx context.Context, sectorID string, agentIDs []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin roster update: %w", err)
	}
	defer tx.Rollback(ctx)

	query, args, err := squirrel.
		Delete("sector_agents").
		Where(squirrel.Eq{"sector_id": sectorID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build clear roster: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("clear roster: %w", err)
	}

	if len(agentIDs) > 0 {
		insert := squirrel.
			Insert("sector_agents").
			Columns("sector_id", "agent_id").
			Suffix("ON CONFLICT DO NOTHING").
			PlaceholderFormat(squirrel.Dollar)
		for _, agentID := range agentIDs {
			insert = insert.Values(sectorID, agentID)
		}
		query, args, err = insert.ToSql()
		if err != nil {
			return fmt.Errorf("build insert roster: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert roster: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit roster update: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveSectorAgent(ctx context.Context, sectorID, agentID string) error {
	query, args, err := squirrel.
		Delete("sector_agents").
		Where(squirrel.Eq{"sector_id": sectorID}).
		Where(squirrel.Eq{"agent_id": agentID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build remove sector agent: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("remove sector agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetAgentPresence(ctx context.Context, agentID string, status types.PresenceStatus, at time.Time) error {
	query, args, err := squirrel.
		Insert("agent_presence").
		Columns("agent_id", "status", "updated_at").
		Values(agentID, string(status), at).
		Suffix("ON CONFLICT (agent_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build set presence: %w", err)
	}

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("set agent presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveNotification(ctx context.Context, n types.Notification) error {
	query, args, err := squirrel.
		Insert("escalation_notifications").
		Columns("id", "escalation_id", "conversation_id", "agent_id", "type", "created_at").
		Values(n.ID, n.EscalationID, n.ConversationID, n.AgentID, string(n.Type), n.CreatedAt).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build save notification: %w", err)
	}

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
