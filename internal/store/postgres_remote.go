package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/validation"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresRemote implements RemoteStore against the hosted Postgres backend.
// Row changes are delivered through LISTEN/NOTIFY on notifyChannel.
type PostgresRemote struct {
	pool          *pgxpool.Pool
	auth          Authenticator
	validator     *validation.Validator
	notifyChannel string
	builder       sq.StatementBuilderType
	logger        *zap.Logger
}

// PostgresConfig holds connection settings for the remote backend
type PostgresConfig struct {
	DatabaseURL    string
	MaxConnections int32
	MinConnections int32
	NotifyChannel  string
}

// NewPostgresRemote connects to the backend and verifies the connection
func NewPostgresRemote(ctx context.Context, cfg *PostgresConfig, auth Authenticator, logger *zap.Logger) (*PostgresRemote, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolConfig.MinConns = cfg.MinConnections
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Remote store connected",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database))

	return &PostgresRemote{
		pool:          pool,
		auth:          auth,
		validator:     validation.NewValidator(),
		notifyChannel: cfg.NotifyChannel,
		builder:       sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger:        logger,
	}, nil
}

// CurrentUser delegates to the session authenticator
func (r *PostgresRemote) CurrentUser(ctx context.Context) (*model.UserContext, error) {
	return r.auth.CurrentUser(ctx)
}

// Insert inserts a row and returns it as stored
func (r *PostgresRemote) Insert(ctx context.Context, table string, payload model.Row) (model.Row, error) {
	ident, err := r.identifier(table)
	if err != nil {
		return nil, err
	}

	query, args, err := r.builder.Insert(ident).SetMap(payload).Suffix("RETURNING *").ToSql()
	if err != nil {
		return nil, errors.InvalidArgument("failed to build insert", err)
	}

	return r.returningRow(ctx, "insert", table, query, args)
}

// Update updates the row with the given id and returns it as stored
func (r *PostgresRemote) Update(ctx context.Context, table, id string, payload model.Row) (model.Row, error) {
	ident, err := r.identifier(table)
	if err != nil {
		return nil, err
	}

	changes := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k != "id" {
			changes[k] = v
		}
	}
	if len(changes) == 0 {
		return nil, errors.ValidationFailed("payload", "update has no fields besides id")
	}

	query, args, err := r.builder.Update(ident).SetMap(changes).Where(sq.Eq{"id": id}).Suffix("RETURNING *").ToSql()
	if err != nil {
		return nil, errors.InvalidArgument("failed to build update", err)
	}

	return r.returningRow(ctx, "update", table, query, args)
}

// Delete deletes the row with the given id; deleting an absent row is not an error
func (r *PostgresRemote) Delete(ctx context.Context, table, id string) error {
	ident, err := r.identifier(table)
	if err != nil {
		return err
	}

	query, args, err := r.builder.Delete(ident).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return errors.InvalidArgument("failed to build delete", err)
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return errors.NetworkFailure(fmt.Sprintf("failed to delete from %s", table), err)
	}
	return nil
}

// Query selects rows, or only their count when filter.CountOnly is set
func (r *PostgresRemote) Query(ctx context.Context, table string, filter Filter) (*QueryResult, error) {
	ident, err := r.identifier(table)
	if err != nil {
		return nil, err
	}

	columns := "*"
	if filter.CountOnly {
		columns = "COUNT(*)"
	}

	builder := r.builder.Select(columns).From(ident)
	if len(filter.Eq) > 0 {
		builder = builder.Where(sq.Eq(filter.Eq))
	}
	if !filter.UpdatedSince.IsZero() {
		builder = builder.Where(sq.GtOrEq{"updated_at": filter.UpdatedSince})
	}
	if !filter.CountOnly {
		builder = builder.OrderBy("updated_at DESC")
		if filter.Limit > 0 {
			builder = builder.Limit(uint64(filter.Limit))
		}
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, errors.InvalidArgument("failed to build query", err)
	}

	if filter.CountOnly {
		var count int64
		if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
			return nil, errors.NetworkFailure(fmt.Sprintf("failed to count %s", table), err)
		}
		return &QueryResult{Count: count}, nil
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NetworkFailure(fmt.Sprintf("failed to query %s", table), err)
	}

	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, errors.NetworkFailure(fmt.Sprintf("failed to scan %s", table), err)
	}

	result := &QueryResult{Rows: make([]model.Row, 0, len(maps)), Count: int64(len(maps))}
	for _, m := range maps {
		result.Rows = append(result.Rows, model.Row(m))
	}
	return result, nil
}

// Subscribe listens for row-change notifications on a dedicated connection
func (r *PostgresRemote) Subscribe(ctx context.Context, channelID string, spec model.SubscriptionSpec, onChange ChangeHandler) (func(), error) {
	if err := r.validator.ValidateTable(spec.Table); err != nil {
		return nil, err
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.NetworkFailure("failed to acquire listen connection", err)
	}

	channel := pgx.Identifier{r.notifyChannel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, errors.NetworkFailure("failed to listen for changes", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					r.logger.Warn("Change listener stopped",
						zap.String("subscription", channelID),
						zap.Error(err))
				}
				return
			}

			var change model.Change
			if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
				r.logger.Debug("Ignoring malformed change notification",
					zap.String("subscription", channelID),
					zap.Error(err))
				continue
			}
			if spec.Matches(change) {
				onChange(change)
			}
		}
	}()

	r.logger.Debug("Subscription started",
		zap.String("subscription", channelID),
		zap.String("table", spec.Table),
		zap.String("event", string(spec.Event)))

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			// A failed UNLISTEN leaves the connection dirty, so it is destroyed instead of pooled.
			if _, err := conn.Exec(context.Background(), "UNLISTEN "+channel); err != nil {
				conn.Hijack().Close(context.Background())
				return
			}
			conn.Release()
		})
	}, nil
}

// Ping checks the database connection
func (r *PostgresRemote) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the connection pool
func (r *PostgresRemote) Close() {
	r.pool.Close()
}

func (r *PostgresRemote) identifier(table string) (string, error) {
	if err := r.validator.ValidateTable(table); err != nil {
		return "", err
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

func (r *PostgresRemote) returningRow(ctx context.Context, op, table, query string, args []interface{}) (model.Row, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NetworkFailure(fmt.Sprintf("failed to %s %s", op, table), err)
	}

	row, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, errors.NetworkFailure(fmt.Sprintf("failed to %s %s", op, table), err)
	}
	return model.Row(row), nil
}
