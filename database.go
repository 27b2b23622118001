package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLConfig holds the MYSQL_* connection settings
type MySQLConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// DSN builds the go-sql-driver connection string
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ConnectDatabase opens and pings the MySQL database
func ConnectDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	return db, nil
}

// Idempotency keys are opaque and compared byte for byte. MySQL's default
// collation folds case and accents, so the column gets a binary collation there.
// SQLite compares text as BINARY already.
const (
	idempotencyKeyColumnMySQL  = "VARCHAR(255) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin"
	idempotencyKeyColumnSQLite = "VARCHAR(255)"
)

// Statements are kept to the subset MySQL and SQLite both accept.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		idempotency_key {{idempotency_key}} NULL UNIQUE,
		status VARCHAR(16) NOT NULL,
		amount BIGINT NOT NULL,
		currency CHAR(3) NOT NULL,
		card_last_four VARCHAR(4) NOT NULL,
		card_expiry_month INT NOT NULL,
		card_expiry_year INT NOT NULL,
		masked_card_number VARCHAR(32) NOT NULL,
		authorization_code VARCHAR(255) NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bank_calls (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		payment_id VARCHAR(64) NOT NULL,
		outcome VARCHAR(32) NOT NULL,
		status_code INT NOT NULL,
		reason TEXT NULL,
		latency_ms BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS merchants (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		secret_hash VARCHAR(255) NOT NULL,
		created_at BIGINT NOT NULL
	)`,
}

// schemaFor renders the schema for driver ("mysql" or "sqlite")
func schemaFor(driver string) []string {
	keyColumn := idempotencyKeyColumnSQLite
	if driver == "mysql" {
		keyColumn = idempotencyKeyColumnMySQL
	}

	stmts := make([]string, len(schema))
	for i, stmt := range schema {
		stmts[i] = strings.ReplaceAll(stmt, "{{idempotency_key}}", keyColumn)
	}
	return stmts
}

// MigrateDatabase creates the gateway tables when they are missing
func MigrateDatabase(ctx context.Context, db *sql.DB, driver string) error {
	for _, stmt := range schemaFor(driver) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// BankCallRecord is one audited call to the acquiring bank
type BankCallRecord struct {
	ID         string    `json:"id"`
	PaymentID  string    `json:"payment_id"`
	Outcome    string    `json:"outcome"`
	StatusCode int       `json:"status_code"`
	Reason     string    `json:"reason,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// SQLBankCallLog stores bank call audit rows in the bank_calls table
type SQLBankCallLog struct {
	db *sql.DB
}

func NewSQLBankCallLog(db *sql.DB) *SQLBankCallLog {
	return &SQLBankCallLog{db: db}
}

// Record inserts one audit row
func (l *SQLBankCallLog) Record(ctx context.Context, rec BankCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `INSERT INTO bank_calls (id, payment_id, outcome, status_code, reason, latency_ms, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := l.db.ExecContext(ctx, query, rec.ID, rec.PaymentID, rec.Outcome, rec.StatusCode,
		nullString(rec.Reason), rec.LatencyMs, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record bank call: %w", err)
	}
	return nil
}

// Recent returns the latest audit rows, newest first
func (l *SQLBankCallLog) Recent(ctx context.Context, limit int) ([]BankCallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, payment_id, outcome, status_code, reason, latency_ms, created_at
			  FROM bank_calls ORDER BY created_at DESC LIMIT ?`
	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []BankCallRecord
	for rows.Next() {
		var rec BankCallRecord
		var reason sql.NullString
		var createdAt int64

		if err := rows.Scan(&rec.ID, &rec.PaymentID, &rec.Outcome, &rec.StatusCode, &reason, &rec.LatencyMs, &createdAt); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
