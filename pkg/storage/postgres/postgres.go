// Package postgres provides a PostgreSQL-backed tuple store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/planhub/rebac/pkg/logger"
	"github.com/planhub/rebac/pkg/storage"
	"github.com/planhub/rebac/pkg/tuple"
)

var tracer = otel.Tracer("rebac/pkg/storage/postgres")

// Config holds the connection pool settings for the datastore.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	// PingTimeout bounds the startup wait for the database to come up.
	PingTimeout time.Duration

	Logger logger.Logger
}

// DefaultConfig returns the pool settings used when none are given.
func DefaultConfig() *Config {
	return &Config{
		MaxOpenConns: 30,
		MaxIdleConns: 10,
		PingTimeout:  time.Minute,
		Logger:       logger.NewNoopLogger(),
	}
}

// Datastore is a tuple store backed by PostgreSQL.
type Datastore struct {
	db     *sql.DB
	stbl   sq.StatementBuilderType
	logger logger.Logger
}

var _ storage.TupleStore = (*Datastore)(nil)

// New opens a connection pool against uri and waits for the database to
// accept pings, backing off until the configured timeout.
func New(uri string, cfg *Config) (*Datastore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.PingTimeout
	attempt := 1
	err = backoff.Retry(func() error {
		if err := db.PingContext(context.Background()); err != nil {
			cfg.Logger.Info("waiting for database", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	collector := collectors.NewDBStatsCollector(db, "rebac")
	if err := prometheus.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			_ = db.Close()
			return nil, fmt.Errorf("register db stats collector: %w", err)
		}
	}

	return NewWithDB(db, cfg.Logger), nil
}

// NewWithDB wraps an existing connection pool. The caller keeps ownership of
// pool configuration; Close still closes the pool.
func NewWithDB(db *sql.DB, log logger.Logger) *Datastore {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Datastore{
		db:     db,
		stbl:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db),
		logger: log,
	}
}

// tupleRecord is the JSON shape persisted in the changelog and used to
// rebuild tuples from rows.
type tupleRecord struct {
	TenantID   string         `json:"tenant_id"`
	SubjectKey string         `json:"subject"`
	Relation   string         `json:"relation"`
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id"`
	Source     string         `json:"source"`
	Metadata   tuple.Metadata `json:"metadata,omitempty"`
	CondExpr   string         `json:"condition_expression,omitempty"`
	CondCtx    tuple.Metadata `json:"condition_context,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	CreatedBy  string         `json:"created_by,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

func toRecord(t *tuple.RelationTuple) tupleRecord {
	rec := tupleRecord{
		TenantID:   t.TenantID,
		SubjectKey: t.Subject.Key(),
		Relation:   t.Relation,
		ObjectType: t.Object.Type,
		ObjectID:   t.Object.ID,
		Source:     string(t.Source),
		Metadata:   t.Metadata,
		CreatedAt:  t.CreatedAt,
		CreatedBy:  t.CreatedBy,
		ExpiresAt:  t.ExpiresAt,
	}
	if t.Condition != nil {
		rec.CondExpr = t.Condition.Expression
		rec.CondCtx = t.Condition.Context
	}
	return rec
}

func (r tupleRecord) toTuple() (*tuple.RelationTuple, error) {
	sub, err := tuple.ParseSubject(r.SubjectKey)
	if err != nil {
		return nil, err
	}
	t := &tuple.RelationTuple{
		TenantID:  r.TenantID,
		Subject:   sub,
		Relation:  r.Relation,
		Object:    tuple.Object{Type: r.ObjectType, ID: r.ObjectID},
		Source:    tuple.Source(r.Source),
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
		CreatedBy: r.CreatedBy,
		ExpiresAt: r.ExpiresAt,
	}
	if r.CondExpr != "" {
		t.Condition = &tuple.Condition{Expression: r.CondExpr, Context: r.CondCtx}
	}
	return t, nil
}

const tupleColumns = "tenant_id, subject_key, relation, object_type, object_id, source, metadata, condition_expression, condition_context, created_at, created_by, expires_at"

func scanTuple(rows *sql.Rows) (*tuple.RelationTuple, error) {
	var (
		rec       tupleRecord
		metadata  []byte
		condExpr  sql.NullString
		condCtx   []byte
		createdBy sql.NullString
		expiresAt sql.NullTime
	)
	err := rows.Scan(
		&rec.TenantID, &rec.SubjectKey, &rec.Relation,
		&rec.ObjectType, &rec.ObjectID, &rec.Source,
		&metadata, &condExpr, &condCtx,
		&rec.CreatedAt, &createdBy, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode tuple metadata: %w", err)
		}
	}
	rec.CondExpr = condExpr.String
	if len(condCtx) > 0 {
		if err := json.Unmarshal(condCtx, &rec.CondCtx); err != nil {
			return nil, fmt.Errorf("decode condition context: %w", err)
		}
	}
	rec.CreatedBy = createdBy.String
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}

	return rec.toTuple()
}

// notExpired excludes tuples whose own TTL has passed. Expired rows stay in
// place until the sweeper removes them, but reads never return them.
var notExpired = sq.Or{
	sq.Eq{"expires_at": nil},
	sq.Expr("expires_at > NOW()"),
}

// Write see [storage.TupleStore].Write.
func (s *Datastore) Write(ctx context.Context, t *tuple.RelationTuple, actor string) error {
	ctx, span := tracer.Start(ctx, "Write")
	defer span.End()

	if err := t.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	stored := *t
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if actor != "" {
		stored.CreatedBy = actor
	}

	var (
		metadata []byte
		condExpr sql.NullString
		condCtx  []byte
		err      error
	)
	if stored.Metadata != nil {
		if metadata, err = json.Marshal(stored.Metadata); err != nil {
			return fmt.Errorf("encode tuple metadata: %w", err)
		}
	}
	if stored.Condition != nil {
		condExpr = sql.NullString{String: stored.Condition.Expression, Valid: true}
		if stored.Condition.Context != nil {
			if condCtx, err = json.Marshal(stored.Condition.Context); err != nil {
				return fmt.Errorf("encode condition context: %w", err)
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return handleSQLError(err)
	}
	defer func() { _ = tx.Rollback() }()

	stbl := s.stbl.RunWith(tx)

	// The conflict target is the tuple uniqueness key; a rewrite replaces
	// metadata, condition, source and expiry but keeps the original
	// created_at and created_by.
	_, err = stbl.Insert("tuples").
		Columns(strings.Split(tupleColumns, ", ")...).
		Values(
			stored.TenantID, stored.Subject.Key(), stored.Relation,
			stored.Object.Type, stored.Object.ID, string(stored.Source),
			metadata, condExpr, condCtx,
			stored.CreatedAt, sql.NullString{String: stored.CreatedBy, Valid: stored.CreatedBy != ""},
			stored.ExpiresAt,
		).
		Suffix(`ON CONFLICT (tenant_id, object_type, object_id, relation, subject_key)
			DO UPDATE SET source = EXCLUDED.source,
				metadata = EXCLUDED.metadata,
				condition_expression = EXCLUDED.condition_expression,
				condition_context = EXCLUDED.condition_context,
				expires_at = EXCLUDED.expires_at`).
		ExecContext(ctx)
	if err != nil {
		return handleSQLError(err)
	}

	if err := s.appendChange(ctx, stbl, storage.ChangeWrite, &stored, now); err != nil {
		return err
	}

	return handleSQLError(tx.Commit())
}

// Delete see [storage.TupleStore].Delete.
func (s *Datastore) Delete(ctx context.Context, tenantID string, subject tuple.Subject, relation string, object tuple.Object) (bool, error) {
	ctx, span := tracer.Start(ctx, "Delete")
	defer span.End()

	if tenantID == "" {
		return false, tuple.ErrMissingTenant
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, handleSQLError(err)
	}
	defer func() { _ = tx.Rollback() }()

	stbl := s.stbl.RunWith(tx)

	res, err := stbl.Delete("tuples").
		Where(sq.Eq{
			"tenant_id":   tenantID,
			"subject_key": subject.Key(),
			"relation":    relation,
			"object_type": object.Type,
			"object_id":   object.ID,
		}).
		ExecContext(ctx)
	if err != nil {
		return false, handleSQLError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, handleSQLError(err)
	}
	if affected == 0 {
		return false, nil
	}

	deleted := &tuple.RelationTuple{
		TenantID: tenantID,
		Subject:  subject,
		Relation: relation,
		Object:   object,
	}
	if err := s.appendChange(ctx, stbl, storage.ChangeDelete, deleted, time.Now().UTC()); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, handleSQLError(err)
	}
	return true, nil
}

func (s *Datastore) appendChange(ctx context.Context, stbl sq.StatementBuilderType, op storage.ChangeOp, t *tuple.RelationTuple, now time.Time) error {
	payload, err := json.Marshal(toRecord(t))
	if err != nil {
		return fmt.Errorf("encode changelog entry: %w", err)
	}

	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	_, err = stbl.Insert("changes").
		Columns("ulid", "tenant_id", "op", "object_type", "tuple", "created_at").
		Values(id, t.TenantID, string(op), t.Object.Type, payload, now).
		ExecContext(ctx)
	return handleSQLError(err)
}

// ReadDirect see [storage.TupleStore].ReadDirect.
func (s *Datastore) ReadDirect(ctx context.Context, tenantID string, filter storage.ReadFilter) ([]*tuple.RelationTuple, error) {
	ctx, span := tracer.Start(ctx, "ReadDirect")
	defer span.End()

	if tenantID == "" {
		return nil, tuple.ErrMissingTenant
	}

	sb := s.stbl.Select(strings.Split(tupleColumns, ", ")...).
		From("tuples").
		Where(sq.Eq{"tenant_id": tenantID}).
		Where(notExpired)

	if filter.Subject != nil {
		sb = sb.Where(sq.Eq{"subject_key": filter.Subject.Key()})
	}
	if filter.Relation != "" {
		sb = sb.Where(sq.Eq{"relation": filter.Relation})
	}
	if filter.Object != nil {
		sb = sb.Where(sq.Eq{"object_type": filter.Object.Type})
		if filter.Object.ID != "" {
			sb = sb.Where(sq.Eq{"object_id": filter.Object.ID})
		}
	}

	return s.queryTuples(ctx, sb)
}

// ReadReverse see [storage.TupleStore].ReadReverse.
func (s *Datastore) ReadReverse(ctx context.Context, tenantID string, object tuple.Object, relation string) ([]*tuple.RelationTuple, error) {
	ctx, span := tracer.Start(ctx, "ReadReverse")
	defer span.End()

	if tenantID == "" {
		return nil, tuple.ErrMissingTenant
	}

	sb := s.stbl.Select(strings.Split(tupleColumns, ", ")...).
		From("tuples").
		Where(sq.Eq{
			"tenant_id":   tenantID,
			"object_type": object.Type,
			"object_id":   object.ID,
		}).
		Where(notExpired)

	if relation != "" {
		sb = sb.Where(sq.Eq{"relation": relation})
	}

	return s.queryTuples(ctx, sb)
}

// ReadStartingWithSubject see [storage.TupleStore].ReadStartingWithSubject.
func (s *Datastore) ReadStartingWithSubject(ctx context.Context, tenantID string, filter storage.ReverseFilter) ([]*tuple.RelationTuple, error) {
	ctx, span := tracer.Start(ctx, "ReadStartingWithSubject")
	defer span.End()

	if tenantID == "" {
		return nil, tuple.ErrMissingTenant
	}

	sb := s.stbl.Select(strings.Split(tupleColumns, ", ")...).
		From("tuples").
		Where(sq.Eq{"tenant_id": tenantID}).
		Where(notExpired)

	if len(filter.SubjectKeys) > 0 {
		sb = sb.Where(sq.Eq{"subject_key": filter.SubjectKeys})
	}
	if len(filter.Relations) > 0 {
		sb = sb.Where(sq.Eq{"relation": filter.Relations})
	}
	if filter.ObjectType != "" {
		sb = sb.Where(sq.Eq{"object_type": filter.ObjectType})
	}

	return s.queryTuples(ctx, sb)
}

func (s *Datastore) queryTuples(ctx context.Context, sb sq.SelectBuilder) ([]*tuple.RelationTuple, error) {
	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*tuple.RelationTuple
	for rows.Next() {
		t, err := scanTuple(rows)
		if err != nil {
			return nil, handleSQLError(err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, handleSQLError(err)
	}
	return out, nil
}

// ReadChanges see [storage.TupleStore].ReadChanges.
func (s *Datastore) ReadChanges(ctx context.Context, tenantID string, objectType string, limit int) ([]storage.Change, error) {
	ctx, span := tracer.Start(ctx, "ReadChanges")
	defer span.End()

	if tenantID == "" {
		return nil, tuple.ErrMissingTenant
	}
	if limit <= 0 {
		limit = storage.DefaultChangePageSize
	}

	sb := s.stbl.Select("ulid", "op", "tuple", "created_at").
		From("changes").
		Where(sq.Eq{"tenant_id": tenantID}).
		OrderBy("ulid DESC").
		Limit(uint64(limit))
	if objectType != "" {
		sb = sb.Where(sq.Eq{"object_type": objectType})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	var changes []storage.Change
	for rows.Next() {
		var (
			change  storage.Change
			op      string
			payload []byte
		)
		if err := rows.Scan(&change.ULID, &op, &payload, &change.Timestamp); err != nil {
			return nil, handleSQLError(err)
		}
		change.Op = storage.ChangeOp(op)

		var rec tupleRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode changelog entry: %w", err)
		}
		tup, err := rec.toTuple()
		if err != nil {
			return nil, err
		}
		change.Tuple = *tup
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, handleSQLError(err)
	}

	// Rows come back newest first; callers expect newest last.
	for i, j := 0, len(changes)-1; i < j; i, j = i+1, j-1 {
		changes[i], changes[j] = changes[j], changes[i]
	}
	return changes, nil
}

// SweepExpired see [storage.TupleStore].SweepExpired.
func (s *Datastore) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "SweepExpired")
	defer span.End()

	res, err := s.stbl.Delete("tuples").
		Where(sq.Expr("expires_at IS NOT NULL AND expires_at <= NOW()")).
		ExecContext(ctx)
	if err != nil {
		return 0, handleSQLError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, handleSQLError(err)
	}
	if affected > 0 {
		s.logger.Debug("swept expired tuples", zap.Int64("count", affected))
	}
	return int(affected), nil
}

// IsReady see [storage.TupleStore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return false, nil
	}
	return true, nil
}

// Close see [storage.TupleStore].Close.
func (s *Datastore) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("error closing database connection", zap.Error(err))
	}
}

func handleSQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", storage.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("sql error: %w", err)
}
