package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"perpbot/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	topic   TEXT    NOT NULL,
	symbol  TEXT    NOT NULL,
	side    TEXT,
	qty     REAL,
	price   REAL,
	pnl     REAL,
	pnl_pct REAL,
	reason  TEXT,
	at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_events_symbol ON trade_events(symbol, at);

CREATE TABLE IF NOT EXISTS cycle_summaries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	evaluated  INTEGER NOT NULL,
	entered    INTEGER NOT NULL,
	closed     INTEGER NOT NULL,
	errors     INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	at         INTEGER NOT NULL
);
`

// Stats is the running tally persisted to the results snapshot.
type Stats struct {
	Entries       int       `json:"entries"`
	Closes        int       `json:"closes"`
	RealizedPnL   float64   `json:"realizedPnl"`
	Cancellations int       `json:"cancellations"`
	Cycles        int       `json:"cycles"`
	CycleErrors   int       `json:"cycleErrors"`
	LastCycleAt   time.Time `json:"lastCycleAt"`
	StartedAt     time.Time `json:"startedAt"`
}

// Journal is the append-only record of trading activity: every event goes to
// sqlite, entries and closes additionally to a human-readable trade log, and
// a stats snapshot is rewritten after each cycle.
type Journal struct {
	db           *sql.DB
	tradeLog     *os.File
	snapshotPath string

	mu    sync.Mutex
	stats Stats
}

// Open creates (or reopens) the journal. tradeLogPath and snapshotPath may be
// empty to disable those outputs.
func Open(dbPath, tradeLogPath, snapshotPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// sqlite allows one writer; the journal is the only one.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	j := &Journal{db: db, snapshotPath: snapshotPath}
	j.stats.StartedAt = time.Now()

	if tradeLogPath != "" {
		f, err := os.OpenFile(tradeLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open trade log: %w", err)
		}
		j.tradeLog = f
	}
	return j, nil
}

// Run consumes events until the channel closes or ctx is canceled.
func (j *Journal) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			j.record(ev)
		}
	}
}

// Close flushes the snapshot and releases the database and log file.
func (j *Journal) Close() error {
	j.writeSnapshot()
	if j.tradeLog != nil {
		j.tradeLog.Close()
	}
	return j.db.Close()
}

// Stats returns a copy of the running tally.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

func (j *Journal) record(ev events.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	switch ev.Topic {
	case events.TopicCycleSummary:
		j.recordCycle(ev)
		return
	}

	_, err := j.db.Exec(
		`INSERT INTO trade_events (topic, symbol, side, qty, price, pnl, pnl_pct, reason, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Topic), ev.Symbol, ev.Side, ev.Qty, ev.Price, ev.PnL, ev.PnLPct, ev.Reason, ev.At.UnixMilli(),
	)
	if err != nil {
		log.Printf("journal: insert %s failed: %v", ev.Topic, err)
	}

	j.mu.Lock()
	switch ev.Topic {
	case events.TopicEntryOpened:
		j.stats.Entries++
	case events.TopicTakeProfitClosed, events.TopicStopLossClosed:
		j.stats.Closes++
		j.stats.RealizedPnL += ev.PnL
	case events.TopicOrdersCanceled:
		j.stats.Cancellations++
	}
	j.mu.Unlock()

	j.appendTradeLine(ev)
}

func (j *Journal) recordCycle(ev events.Event) {
	_, err := j.db.Exec(
		`INSERT INTO cycle_summaries (evaluated, entered, closed, errors, elapsed_ms, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Evaluated, ev.Entered, ev.Closed, ev.Errors, ev.Elapsed.Milliseconds(), ev.At.UnixMilli(),
	)
	if err != nil {
		log.Printf("journal: insert cycle summary failed: %v", err)
	}

	j.mu.Lock()
	j.stats.Cycles++
	j.stats.CycleErrors += ev.Errors
	j.stats.LastCycleAt = ev.At
	j.mu.Unlock()

	j.writeSnapshot()
}

func (j *Journal) appendTradeLine(ev events.Event) {
	if j.tradeLog == nil {
		return
	}
	var line string
	switch ev.Topic {
	case events.TopicEntryOpened:
		line = fmt.Sprintf("%s ENTRY %s %s qty=%.6f price=%.4f\n",
			ev.At.Format(time.RFC3339), ev.Symbol, ev.Side, ev.Qty, ev.Price)
	case events.TopicTakeProfitClosed, events.TopicStopLossClosed:
		line = fmt.Sprintf("%s CLOSE %s %s qty=%.6f price=%.4f pnl=%+.4f (%+.2f%%) reason=%q\n",
			ev.At.Format(time.RFC3339), ev.Symbol, ev.Side, ev.Qty, ev.Price, ev.PnL, ev.PnLPct, ev.Reason)
	case events.TopicOrdersCanceled:
		line = fmt.Sprintf("%s CANCEL %s reason=%q\n", ev.At.Format(time.RFC3339), ev.Symbol, ev.Reason)
	default:
		return
	}
	if _, err := j.tradeLog.WriteString(line); err != nil {
		log.Printf("journal: trade log write failed: %v", err)
	}
}

func (j *Journal) writeSnapshot() {
	if j.snapshotPath == "" {
		return
	}
	j.mu.Lock()
	stats := j.stats
	j.mu.Unlock()

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(j.snapshotPath, data, 0o644); err != nil {
		log.Printf("journal: snapshot write failed: %v", err)
	}
}

// RecentEvents returns the newest trade events, newest first.
func (j *Journal) RecentEvents(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT topic, symbol, side, qty, price, pnl, pnl_pct, reason, at FROM trade_events ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trade events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var topic string
		var at int64
		if err := rows.Scan(&topic, &ev.Symbol, &ev.Side, &ev.Qty, &ev.Price, &ev.PnL, &ev.PnLPct, &ev.Reason, &at); err != nil {
			return nil, err
		}
		ev.Topic = events.Topic(topic)
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}
