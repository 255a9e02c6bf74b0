package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// PostgresStore implements TradeStore on PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// PostgresConfig holds PostgreSQL configuration.
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string
	Logger   *zap.Logger
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Ping()
	if err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	cfg.Logger.Info("postgres-store-connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))

	return &PostgresStore{
		db:     db,
		logger: cfg.Logger,
	}, nil
}

// SaveTrade inserts one trade row.
func (p *PostgresStore) SaveTrade(ctx context.Context, trade *types.TradeRecord) error {
	query := `
		INSERT INTO trades (
			id, symbol, action, quantity, price, notional, confidence,
			strategy, reason, status, venue_order_id, is_exit,
			realized_pnl, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	_, err := p.db.ExecContext(ctx, query,
		trade.ID,
		trade.Symbol,
		trade.Action,
		trade.Quantity,
		trade.Price,
		trade.Notional,
		trade.Confidence,
		trade.Strategy,
		trade.Reason,
		trade.Status,
		trade.VenueOrderID,
		trade.IsExit,
		trade.RealizedPnL,
		trade.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	p.logger.Debug("trade-stored",
		zap.String("trade_id", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.String("action", trade.Action))

	return nil
}

// GetTrades returns trades matching filter, newest first.
func (p *PostgresStore) GetTrades(ctx context.Context, filter types.TradeFilter, limit int) ([]types.TradeRecord, error) {
	query := `
		SELECT id, symbol, action, quantity, price, notional, confidence,
		       strategy, reason, status, venue_order_id, is_exit,
		       realized_pnl, created_at
		FROM trades
	`

	var conds []string
	var args []interface{}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		conds = append(conds, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if filter.Strategy != "" {
		args = append(args, filter.Strategy)
		conds = append(conds, fmt.Sprintf("strategy = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []types.TradeRecord
	for rows.Next() {
		var t types.TradeRecord
		err := rows.Scan(
			&t.ID, &t.Symbol, &t.Action, &t.Quantity, &t.Price, &t.Notional,
			&t.Confidence, &t.Strategy, &t.Reason, &t.Status, &t.VenueOrderID,
			&t.IsExit, &t.RealizedPnL, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}

	return trades, nil
}

// GetPortfolioPerformance aggregates realized results over the trailing
// window.
func (p *PostgresStore) GetPortfolioPerformance(ctx context.Context, window time.Duration) (*types.PortfolioPerformance, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE realized_pnl > 0),
		       COUNT(*) FILTER (WHERE realized_pnl < 0),
		       COALESCE(SUM(realized_pnl), 0)
		FROM trades
		WHERE created_at >= $1
	`

	perf := &types.PortfolioPerformance{Window: window, UpdatedAt: time.Now()}
	row := p.db.QueryRowContext(ctx, query, time.Now().Add(-window))
	err := row.Scan(&perf.TradeCount, &perf.WinCount, &perf.LossCount, &perf.RealizedPnL)
	if err != nil {
		return nil, fmt.Errorf("query performance: %w", err)
	}

	if decided := perf.WinCount + perf.LossCount; decided > 0 {
		perf.WinRate = float64(perf.WinCount) / float64(decided)
	}

	return perf, nil
}

// GetAllStrategies lists every registered strategy.
func (p *PostgresStore) GetAllStrategies(ctx context.Context) ([]types.StrategyRecord, error) {
	query := `SELECT id, name, symbols, active, created_at FROM strategies ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var strategies []types.StrategyRecord
	for rows.Next() {
		var s types.StrategyRecord
		if err := rows.Scan(&s.ID, &s.Name, pq.Array(&s.Symbols), &s.Active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		strategies = append(strategies, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strategies: %w", err)
	}

	return strategies, nil
}

// SaveAIInsight inserts one advisory note.
func (p *PostgresStore) SaveAIInsight(ctx context.Context, insight *types.AIInsight) error {
	query := `
		INSERT INTO ai_insights (id, type, symbol, content, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := p.db.ExecContext(ctx, query,
		insight.ID, insight.Type, insight.Symbol,
		insight.Content, insight.Confidence, insight.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert insight: %w", err)
	}

	return nil
}

// GetAIInsights returns insights of insightType, newest first. Empty
// type matches all.
func (p *PostgresStore) GetAIInsights(ctx context.Context, insightType string, limit int) ([]types.AIInsight, error) {
	query := `SELECT id, type, symbol, content, confidence, created_at FROM ai_insights`

	var args []interface{}
	if insightType != "" {
		args = append(args, insightType)
		query += fmt.Sprintf(" WHERE type = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}
	defer rows.Close()

	var insights []types.AIInsight
	for rows.Next() {
		var in types.AIInsight
		if err := rows.Scan(&in.ID, &in.Type, &in.Symbol, &in.Content, &in.Confidence, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		insights = append(insights, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate insights: %w", err)
	}

	return insights, nil
}

// Close closes the database connection.
func (p *PostgresStore) Close() error {
	p.logger.Info("closing-postgres-store")

	return p.db.Close()
}
