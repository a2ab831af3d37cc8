package snapshot

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/config"
	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/logger"
)

const selectBattleState = `SELECT state FROM battle_states WHERE battle_id = $1`

// PostgresSource reads battle snapshots from the battle_states table.
type PostgresSource struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewPostgresSource opens a pool and verifies it with a ping.
func NewPostgresSource(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*PostgresSource, error) {
	log = logger.OrNop(log)

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, apperrors.DatabaseError("parse config", fmt.Errorf("failed to parse database URI: %w", err))
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.DatabaseError("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.DatabaseError("ping", err)
	}

	log.Info("Snapshot database connected",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.Int32("max_conns", poolCfg.MaxConns))
	return &PostgresSource{pool: pool, log: log}, nil
}

func (s *PostgresSource) LoadBattle(ctx context.Context, battleID string) (json.RawMessage, bool, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, selectBattleState, battleID).Scan(&state)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.DatabaseError("load battle", err)
	}
	return json.RawMessage(state), true, nil
}

func (s *PostgresSource) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperrors.DatabaseError("ping", err)
	}
	return nil
}

func (s *PostgresSource) Close() {
	s.pool.Close()
}
