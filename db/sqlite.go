package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"knnsignal/market"
	"knnsignal/ml"
)

const schema = `
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY,
        symbol VARCHAR(20) NOT NULL,
        date TEXT NOT NULL,
        model_name VARCHAR(50) NOT NULL,
        predicted_label INTEGER NOT NULL,
        created_at DATETIME,
        UNIQUE(symbol, date, model_name)
    );
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY,
        symbol VARCHAR(20) NOT NULL,
        model_name VARCHAR(50) NOT NULL,
        k INTEGER NOT NULL,
        accuracy REAL,
        f1 REAL,
        cv_score REAL,
        trained_at DATETIME,
        data_points INTEGER
    );
    CREATE TABLE IF NOT EXISTS k_curve (
        id INTEGER PRIMARY KEY,
        symbol VARCHAR(20) NOT NULL,
        k INTEGER NOT NULL,
        score REAL,
        updated_at DATETIME,
        UNIQUE(symbol, k)
    );
    CREATE INDEX IF NOT EXISTS idx_training_log_symbol ON training_log(symbol, trained_at);
    `

// Store persists run results in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database file and schema if needed.
func Open(path string, enableWAL bool) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000"
	if enableWAL {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	database.SetMaxOpenConns(1)

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("create schema failed: %w", err)
	}
	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SavePredictions replaces the stored predictions of one model for symbol.
func (s *Store) SavePredictions(ctx context.Context, symbol, model string, records []ml.PredictionRecord) error {
	if symbol == "" {
		return errors.New("symbol required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM predictions WHERE symbol = ? AND model_name = ?`, symbol, model); err != nil {
		tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
        INSERT OR REPLACE INTO predictions (
            symbol, date, model_name, predicted_label, created_at
        ) VALUES (?, ?, ?, ?, ?)
    `)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, record := range records {
		if _, err := stmt.ExecContext(ctx, symbol, record.Date.Format(market.DateLayout), model, record.Prediction, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadPredictions returns a model's stored predictions in date order.
func (s *Store) LoadPredictions(ctx context.Context, symbol, model string) ([]ml.PredictionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT date, predicted_label
        FROM predictions
        WHERE symbol = ? AND model_name = ?
        ORDER BY date ASC
    `, symbol, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]ml.PredictionRecord, 0)
	for rows.Next() {
		var date string
		var record ml.PredictionRecord
		if err := rows.Scan(&date, &record.Prediction); err != nil {
			return nil, err
		}
		if record.Date, err = time.Parse(market.DateLayout, date); err != nil {
			return nil, fmt.Errorf("stored date %q: %w", date, err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type TrainingLog struct {
	Symbol     string    `json:"symbol"`
	ModelName  string    `json:"model_name"`
	K          int       `json:"k"`
	Accuracy   float64   `json:"accuracy"`
	F1         float64   `json:"f1"`
	CVScore    float64   `json:"cv_score"`
	TrainedAt  time.Time `json:"trained_at"`
	DataPoints int       `json:"data_points"`
}

func (s *Store) SaveTrainingLog(ctx context.Context, entry TrainingLog) error {
	if entry.TrainedAt.IsZero() {
		entry.TrainedAt = time.Now()
	}
	entry.TrainedAt = entry.TrainedAt.UTC()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO training_log (
            symbol, model_name, k, accuracy, f1, cv_score, trained_at, data_points
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `,
		entry.Symbol,
		entry.ModelName,
		entry.K,
		entry.Accuracy,
		entry.F1,
		entry.CVScore,
		entry.TrainedAt,
		entry.DataPoints,
	)
	return err
}

// LoadTrainingLog returns entries newest first. An empty symbol loads all.
func (s *Store) LoadTrainingLog(ctx context.Context, symbol string) ([]TrainingLog, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT symbol, model_name, k, accuracy, f1, cv_score, trained_at, data_points
        FROM training_log
        WHERE ? = '' OR symbol = ?
        ORDER BY trained_at DESC, id DESC
    `, symbol, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		if err := rows.Scan(&log.Symbol, &log.ModelName, &log.K, &log.Accuracy, &log.F1, &log.CVScore, &log.TrainedAt, &log.DataPoints); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// SaveKCurve replaces the cross-validation curve stored for symbol.
func (s *Store) SaveKCurve(ctx context.Context, symbol string, curve []ml.CandidateScore) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM k_curve WHERE symbol = ?`, symbol); err != nil {
		tx.Rollback()
		return err
	}
	now := time.Now().UTC()
	for _, point := range curve {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO k_curve (symbol, k, score, updated_at) VALUES (?, ?, ?, ?)
        `, symbol, point.K, point.Score, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LoadKCurve(ctx context.Context, symbol string) ([]ml.CandidateScore, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT k, score FROM k_curve WHERE symbol = ? ORDER BY k ASC
    `, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	curve := make([]ml.CandidateScore, 0)
	for rows.Next() {
		var point ml.CandidateScore
		if err := rows.Scan(&point.K, &point.Score); err != nil {
			return nil, err
		}
		curve = append(curve, point)
	}
	return curve, rows.Err()
}
