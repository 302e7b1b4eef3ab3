// Package actionlog persists the forced market orders fired by the
// liquidity rescue. The log outlives the process so the rate gate keeps
// counting past actions across restarts.
package actionlog

import (
	"database/sql"
	"fmt"
	"time"

	"binance-pt-bot-go/internal/models"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // sqlite driver
)

// Action records one forced market order.
type Action struct {
	ID        string
	Symbol    string
	Side      models.Side
	Qty       float64
	Price     float64
	CreatedAt time.Time
}

// Log is the interface for the rescue-action ledger.
type Log interface {
	// Append records a new action and returns it with its generated id.
	Append(symbol string, side models.Side, qty, price float64) (Action, error)

	// CountBySide returns how many actions have been recorded for one
	// symbol and side over the whole history.
	CountBySide(symbol string, side models.Side) (int, error)

	// List returns all actions for a symbol, oldest first.
	List(symbol string) ([]Action, error)

	// Close closes the underlying database.
	Close() error
}

type sqliteLog struct {
	db *sql.DB
}

// Open initializes the action log database and creates the table if needed.
func Open(dataSourceName string) (Log, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open action log database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to action log database: %w", err)
	}

	createSQL := `
	CREATE TABLE IF NOT EXISTS actions (
		action_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty REAL NOT NULL,
		price REAL NOT NULL,
		created_at TIMESTAMP NOT NULL
	);`
	if _, err := db.Exec(createSQL); err != nil {
		return nil, fmt.Errorf("failed to create actions table: %w", err)
	}

	return &sqliteLog{db: db}, nil
}

func (l *sqliteLog) Append(symbol string, side models.Side, qty, price float64) (Action, error) {
	a := Action{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Qty:       qty,
		Price:     price,
		CreatedAt: time.Now().UTC(),
	}

	query := `
	INSERT INTO actions (action_id, symbol, side, qty, price, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := l.db.Exec(query, a.ID, a.Symbol, string(a.Side), a.Qty, a.Price, a.CreatedAt)
	if err != nil {
		return Action{}, fmt.Errorf("failed to insert action %s: %w", a.ID, err)
	}
	return a, nil
}

func (l *sqliteLog) CountBySide(symbol string, side models.Side) (int, error) {
	var n int
	err := l.db.QueryRow(
		"SELECT COUNT(*) FROM actions WHERE symbol = ? AND side = ?",
		symbol, string(side),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return n, nil
}

func (l *sqliteLog) List(symbol string) ([]Action, error) {
	query := `
	SELECT action_id, symbol, side, qty, price, created_at
	FROM actions WHERE symbol = ? ORDER BY created_at ASC`

	rows, err := l.db.Query(query, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a Action
		var side string
		if err := rows.Scan(&a.ID, &a.Symbol, &side, &a.Qty, &a.Price, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan action row: %w", err)
		}
		a.Side = models.Side(side)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (l *sqliteLog) Close() error {
	return l.db.Close()
}
