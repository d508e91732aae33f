package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"carry-vault-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// DepositRecord mirrors one feed event. Version is the feed's opaque event
// identifier and keys the table, so a replayed event never inserts twice.
type DepositRecord struct {
	Time        time.Time
	Version     string
	FromAddress string
	Amount      string
	Matched     bool
}

type LegRecord struct {
	Time      time.Time
	RunID     string
	Step      string
	Direction string
	Pair      string
	Detail    string
}

type SettlementRecord struct {
	Time           time.Time
	RunID          string
	Balance        string
	TrackedDeposit string
	Profit         string
	Fee            string
	Payout         string
	TxHash         string
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	deposits    chan DepositRecord
	legs        chan LegRecord
	settlements chan SettlementRecord
	started     atomic.Bool
	dropped     atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		deposits:    make(chan DepositRecord, queueSize),
		legs:        make(chan LegRecord, queueSize),
		settlements: make(chan SettlementRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueDeposit(rec DepositRecord) {
	if w == nil {
		return
	}
	select {
	case w.deposits <- rec:
	default:
		w.noteDrop("deposit")
	}
}

func (w *Writer) EnqueueLeg(rec LegRecord) {
	if w == nil {
		return
	}
	select {
	case w.legs <- rec:
	default:
		w.noteDrop("leg")
	}
}

func (w *Writer) EnqueueSettlement(rec SettlementRecord) {
	if w == nil {
		return
	}
	select {
	case w.settlements <- rec:
	default:
		w.noteDrop("settlement")
	}
}

func (w *Writer) noteDrop(kind string) {
	if w.dropped.Add(1) == 1 && w.log != nil {
		w.log.Warn("history queue full", zap.String("kind", kind))
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.deposits:
			w.writeDeposit(ctx, rec)
		case rec := <-w.legs:
			w.writeLeg(ctx, rec)
		case rec := <-w.settlements:
			w.writeSettlement(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		version TEXT NOT NULL,
		from_address TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		matched BOOLEAN NOT NULL,
		PRIMARY KEY (version)
	)`, w.table("deposits"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		run_id TEXT NOT NULL,
		step TEXT NOT NULL,
		direction TEXT NOT NULL,
		pair TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`, w.table("leg_executions"))); err != nil {
		return err
	}
	return w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		run_id TEXT NOT NULL,
		balance NUMERIC NOT NULL,
		tracked_deposit NUMERIC NOT NULL,
		profit NUMERIC NOT NULL,
		fee NUMERIC NOT NULL,
		payout NUMERIC NOT NULL,
		tx_hash TEXT NOT NULL
	)`, w.table("settlements")))
}

func (w *Writer) writeDeposit(ctx context.Context, rec DepositRecord) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, version, from_address, amount, matched)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (version) DO NOTHING`, w.table("deposits"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time, rec.Version, rec.FromAddress, rec.Amount, rec.Matched,
	); err != nil && w.log != nil {
		w.log.Warn("history deposit insert failed", zap.Error(err))
	}
}

func (w *Writer) writeLeg(ctx context.Context, rec LegRecord) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, run_id, step, direction, pair, detail)
		VALUES ($1,$2,$3,$4,$5,$6)`, w.table("leg_executions"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time, rec.RunID, rec.Step, rec.Direction, rec.Pair, rec.Detail,
	); err != nil && w.log != nil {
		w.log.Warn("history leg insert failed", zap.Error(err))
	}
}

func (w *Writer) writeSettlement(ctx context.Context, rec SettlementRecord) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, run_id, balance, tracked_deposit, profit, fee, payout, tx_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("settlements"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time, rec.RunID, rec.Balance, rec.TrackedDeposit, rec.Profit, rec.Fee, rec.Payout, rec.TxHash,
	); err != nil && w.log != nil {
		w.log.Warn("history settlement insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
