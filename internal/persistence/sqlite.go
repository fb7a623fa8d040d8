package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/tathienbao/execrl/internal/types"
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	// _txlock=immediate takes the write lock at BEGIN so concurrent
	// activations serialize on the database, not just in-process.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	// Run migrations
	if err := repo.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS execution_experiences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fill_reference TEXT NOT NULL UNIQUE,
			symbol TEXT NOT NULL DEFAULT '',
			state_features TEXT NOT NULL,
			action_taken TEXT NOT NULL,
			reward REAL NOT NULL,
			slippage_bps REAL NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_experiences_created_at ON execution_experiences(created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_experiences_symbol ON execution_experiences(symbol)`,

		`CREATE TABLE IF NOT EXISTS execution_policies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			policy_type TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			policy_data TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			train_episodes INTEGER NOT NULL,
			avg_reward REAL NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_policies_is_active ON execution_policies(is_active)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// SaveExperience appends an experience.
func (r *SQLiteRepository) SaveExperience(ctx context.Context, exp *types.Experience) error {
	features, err := json.Marshal(exp.StateFeatures)
	if err != nil {
		return fmt.Errorf("marshal state features: %w", err)
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO execution_experiences
		(fill_reference, symbol, state_features, action_taken, reward, slippage_bps, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, query,
		exp.FillReference,
		exp.Symbol,
		string(features),
		string(exp.ActionTaken),
		exp.Reward,
		exp.SlippageBps,
		exp.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", types.ErrDuplicateExperience, exp.FillReference)
		}
		return fmt.Errorf("insert experience: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("experience id: %w", err)
	}
	exp.ID = id

	return nil
}

// CountExperiences returns the number of stored experiences.
func (r *SQLiteRepository) CountExperiences(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_experiences`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count experiences: %w", err)
	}
	return n, nil
}

// ListExperiences returns all experiences, oldest first.
func (r *SQLiteRepository) ListExperiences(ctx context.Context) ([]types.Experience, error) {
	query := `SELECT id, fill_reference, symbol, state_features, action_taken, reward, slippage_bps, created_at
		FROM execution_experiences ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query experiences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var experiences []types.Experience
	for rows.Next() {
		var e types.Experience
		var features, action string

		if err := rows.Scan(&e.ID, &e.FillReference, &e.Symbol, &features, &action, &e.Reward, &e.SlippageBps, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(features), &e.StateFeatures); err != nil {
			return nil, fmt.Errorf("decode state features for experience %d: %w", e.ID, err)
		}
		e.ActionTaken = types.Action(action)

		experiences = append(experiences, e)
	}

	return experiences, rows.Err()
}

// ExecutionProfile summarizes the stored fills for a symbol.
// Returns nil when the symbol has no experiences.
func (r *SQLiteRepository) ExecutionProfile(ctx context.Context, symbol string) (*types.ExecutionProfile, error) {
	query := `SELECT COUNT(*), COALESCE(AVG(slippage_bps), 0) FROM execution_experiences WHERE symbol = ?`

	profile := types.ExecutionProfile{Symbol: symbol}
	if err := r.db.QueryRowContext(ctx, query, symbol).Scan(&profile.FillCount, &profile.AvgSlippageBps); err != nil {
		return nil, fmt.Errorf("query execution profile: %w", err)
	}
	if profile.FillCount == 0 {
		return nil, nil
	}

	return &profile, nil
}

// CreateActivePolicy inserts a new policy version and activates it in one
// transaction. Readers see either the previous or the new active policy.
func (r *SQLiteRepository) CreateActivePolicy(ctx context.Context, p *types.ExecutionPolicy) error {
	data, err := json.Marshal(p.Table)
	if err != nil {
		return fmt.Errorf("marshal policy data: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM execution_policies`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("query max version: %w", err)
	}

	query := `INSERT INTO execution_policies
		(version, policy_type, schema_version, policy_data, is_active, train_episodes, avg_reward, run_id, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`

	res, err := tx.ExecContext(ctx, query,
		maxVersion+1,
		string(p.PolicyType),
		p.SchemaVersion,
		string(data),
		p.TrainEpisodes,
		p.AvgReward,
		p.RunID,
		p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("policy id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE execution_policies SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("deactivate policies: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE execution_policies SET is_active = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("activate policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit policy: %w", err)
	}

	p.ID = id
	p.Version = maxVersion + 1
	p.IsActive = true

	return nil
}

// ActivePolicies returns every policy flagged active, highest version first.
func (r *SQLiteRepository) ActivePolicies(ctx context.Context) ([]types.ExecutionPolicy, error) {
	query := `SELECT id, version, policy_type, schema_version, policy_data, is_active, train_episodes, avg_reward, run_id, created_at
		FROM execution_policies WHERE is_active = 1 ORDER BY version DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var policies []types.ExecutionPolicy
	for rows.Next() {
		p, err := scanPolicy(rows, true)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}

	return policies, rows.Err()
}

// MaxPolicyVersion returns the highest stored version, or 0.
func (r *SQLiteRepository) MaxPolicyVersion(ctx context.Context) (int, error) {
	var v int
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM execution_policies`).Scan(&v); err != nil {
		return 0, fmt.Errorf("query max version: %w", err)
	}
	return v, nil
}

// RepairActivePolicy activates only the highest version.
func (r *SQLiteRepository) RepairActivePolicy(ctx context.Context) (*types.ExecutionPolicy, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM execution_policies`).Scan(&maxVersion); err != nil {
		return nil, fmt.Errorf("query max version: %w", err)
	}
	if maxVersion == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE execution_policies SET is_active = CASE WHEN version = ? THEN 1 ELSE 0 END`,
		maxVersion,
	); err != nil {
		return nil, fmt.Errorf("repair active flag: %w", err)
	}

	query := `SELECT id, version, policy_type, schema_version, policy_data, is_active, train_episodes, avg_reward, run_id, created_at
		FROM execution_policies WHERE version = ?`

	rows, err := tx.QueryContext(ctx, query, maxVersion)
	if err != nil {
		return nil, fmt.Errorf("query repaired policy: %w", err)
	}
	var p types.ExecutionPolicy
	found := false
	for rows.Next() {
		if p, err = scanPolicy(rows, true); err != nil {
			_ = rows.Close()
			return nil, err
		}
		found = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read repaired policy: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: version %d", types.ErrPolicyNotFound, maxVersion)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit repair: %w", err)
	}

	return &p, nil
}

// ListPolicies returns policy metadata, newest first. Tables are not loaded.
func (r *SQLiteRepository) ListPolicies(ctx context.Context, limit int) ([]types.ExecutionPolicy, error) {
	query := `SELECT id, version, policy_type, schema_version, '', is_active, train_episodes, avg_reward, run_id, created_at
		FROM execution_policies ORDER BY version DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var policies []types.ExecutionPolicy
	for rows.Next() {
		p, err := scanPolicy(rows, false)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}

	return policies, rows.Err()
}

// Ping checks the database connection.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func scanPolicy(rows *sql.Rows, withTable bool) (types.ExecutionPolicy, error) {
	var p types.ExecutionPolicy
	var policyType, data string
	var active int

	if err := rows.Scan(&p.ID, &p.Version, &policyType, &p.SchemaVersion, &data, &active, &p.TrainEpisodes, &p.AvgReward, &p.RunID, &p.CreatedAt); err != nil {
		return p, fmt.Errorf("scan row: %w", err)
	}

	p.PolicyType = types.PolicyType(policyType)
	p.IsActive = active == 1
	if withTable {
		p.Table = types.QTable{}
		if err := json.Unmarshal([]byte(data), &p.Table); err != nil {
			return p, fmt.Errorf("decode policy data for version %d: %w", p.Version, err)
		}
	}

	return p, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
