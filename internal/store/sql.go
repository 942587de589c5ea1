package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL
	_ "github.com/lib/pq"              // PostgreSQL
	_ "modernc.org/sqlite"             // SQLite
)

// driverMap maps configured driver names onto registered database/sql drivers.
var driverMap = map[string]string{
	"postgresql": "postgres",
	"postgres":   "postgres",
	"mysql":      "mysql",
	"mariadb":    "mysql",
	"sqlite":     "sqlite",
	"sqlite3":    "sqlite",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS account_mappings (
		mapping_key      VARCHAR(512) PRIMARY KEY,
		secret_handle    VARCHAR(255) NOT NULL,
		asset_name       VARCHAR(255) NOT NULL,
		account_name     VARCHAR(255) NOT NULL,
		domain_name      VARCHAR(255) NOT NULL,
		alt_account_name VARCHAR(255) NOT NULL,
		plugin_name      VARCHAR(255) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS plugin_settings (
		plugin_name          VARCHAR(255) PRIMARY KEY,
		configuration        TEXT NOT NULL,
		assigned_kind        VARCHAR(32) NOT NULL,
		reverse_flow_enabled BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reverse_flow_state (
		plugin_name       VARCHAR(255) PRIMARY KEY,
		last_polled_ms    BIGINT NOT NULL,
		interval_seconds  BIGINT NOT NULL,
		enabled           BOOLEAN NOT NULL
	)`,
}

const mappingColumns = "mapping_key, secret_handle, asset_name, account_name, domain_name, alt_account_name, plugin_name"

// SQLStore persists records in PostgreSQL, MySQL or SQLite.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// OpenSQL connects, verifies the connection and creates missing tables.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	name, ok := driverMap[strings.ToLower(driver)]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("sql store needs a dsn")
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if name == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewSQLStore(db, name)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. driver is the database/sql driver name
// and selects the placeholder style.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// Migrate creates missing tables. Safe to call on every start.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// replace deletes then inserts one row in a transaction. Portable across the
// three dialects, which disagree on upsert syntax.
func (s *SQLStore) replace(ctx context.Context, table, keyColumn, key, insert string, args ...interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM "+table+" WHERE "+keyColumn+" = ?"), key); err != nil {
		return fmt.Errorf("replace %s %s: %w", table, key, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(insert), args...); err != nil {
		return fmt.Errorf("replace %s %s: %w", table, key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) queryMappings(ctx context.Context, where string, args ...interface{}) ([]Mapping, error) {
	query := "SELECT " + mappingColumns + " FROM account_mappings" + where + " ORDER BY mapping_key"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.Key, &m.SecretHandle, &m.AssetName, &m.AccountName, &m.DomainName, &m.AltAccountName, &m.PluginName); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetMappings(ctx context.Context) ([]Mapping, error) {
	return s.queryMappings(ctx, "")
}

func (s *SQLStore) GetMappingsForPlugin(ctx context.Context, pluginName string) ([]Mapping, error) {
	return s.queryMappings(ctx, " WHERE plugin_name = ?", pluginName)
}

func (s *SQLStore) GetMappingsForHandle(ctx context.Context, handle string) ([]Mapping, error) {
	return s.queryMappings(ctx, " WHERE secret_handle = ?", handle)
}

func (s *SQLStore) GetMapping(ctx context.Context, key string) (*Mapping, error) {
	mappings, err := s.queryMappings(ctx, " WHERE mapping_key = ?", key)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, ErrNotFound
	}
	return &mappings[0], nil
}

func (s *SQLStore) Upsert(ctx context.Context, m Mapping) error {
	if err := m.Normalize(); err != nil {
		return err
	}
	return s.replace(ctx, "account_mappings", "mapping_key", m.Key,
		"INSERT INTO account_mappings ("+mappingColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		m.Key, m.SecretHandle, m.AssetName, m.AccountName, m.DomainName, m.AltAccountName, m.PluginName,
	)
}

func (s *SQLStore) DeleteByKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM account_mappings WHERE mapping_key = ?"), key); err != nil {
		return fmt.Errorf("delete mapping %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM account_mappings"); err != nil {
		return fmt.Errorf("delete mappings: %w", err)
	}
	return nil
}

func (s *SQLStore) querySettings(ctx context.Context, where string, args ...interface{}) ([]PluginSettings, error) {
	query := "SELECT plugin_name, configuration, assigned_kind, reverse_flow_enabled FROM plugin_settings" + where + " ORDER BY plugin_name"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query plugin settings: %w", err)
	}
	defer rows.Close()

	var out []PluginSettings
	for rows.Next() {
		var ps PluginSettings
		var cfg string
		if err := rows.Scan(&ps.Name, &cfg, &ps.AssignedKind, &ps.ReverseFlowEnabled); err != nil {
			return nil, fmt.Errorf("scan plugin settings: %w", err)
		}
		if err := json.Unmarshal([]byte(cfg), &ps.Configuration); err != nil {
			return nil, fmt.Errorf("decode configuration of %s: %w", ps.Name, err)
		}
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plugin settings: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetPluginSettings(ctx context.Context, name string) (*PluginSettings, error) {
	settings, err := s.querySettings(ctx, " WHERE plugin_name = ?", name)
	if err != nil || len(settings) == 0 {
		return nil, err
	}
	return &settings[0], nil
}

func (s *SQLStore) SavePluginSettings(ctx context.Context, ps PluginSettings) error {
	cfg, err := json.Marshal(ps.Configuration)
	if err != nil {
		return fmt.Errorf("encode configuration of %s: %w", ps.Name, err)
	}
	return s.replace(ctx, "plugin_settings", "plugin_name", ps.Name,
		"INSERT INTO plugin_settings (plugin_name, configuration, assigned_kind, reverse_flow_enabled) VALUES (?, ?, ?, ?)",
		ps.Name, string(cfg), string(ps.AssignedKind), ps.ReverseFlowEnabled,
	)
}

func (s *SQLStore) ListPluginSettings(ctx context.Context) ([]PluginSettings, error) {
	return s.querySettings(ctx, "")
}

func (s *SQLStore) DeletePluginSettings(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM plugin_settings WHERE plugin_name = ?"), name); err != nil {
		return fmt.Errorf("delete plugin settings %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) queryReverseFlow(ctx context.Context, where string, args ...interface{}) ([]ReverseFlowState, error) {
	query := "SELECT plugin_name, last_polled_ms, interval_seconds, enabled FROM reverse_flow_state" + where + " ORDER BY plugin_name"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query reverse-flow state: %w", err)
	}
	defer rows.Close()

	var out []ReverseFlowState
	for rows.Next() {
		var st ReverseFlowState
		var polledMs int64
		if err := rows.Scan(&st.PluginName, &polledMs, &st.RotationIntervalSeconds, &st.Enabled); err != nil {
			return nil, fmt.Errorf("scan reverse-flow state: %w", err)
		}
		if polledMs != 0 {
			st.LastPolledTime = time.UnixMilli(polledMs).UTC()
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reverse-flow state: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetReverseFlowState(ctx context.Context, pluginName string) (*ReverseFlowState, error) {
	states, err := s.queryReverseFlow(ctx, " WHERE plugin_name = ?", pluginName)
	if err != nil || len(states) == 0 {
		return nil, err
	}
	return &states[0], nil
}

func (s *SQLStore) SaveReverseFlowState(ctx context.Context, st ReverseFlowState) error {
	var polledMs int64
	if !st.LastPolledTime.IsZero() {
		polledMs = st.LastPolledTime.UnixMilli()
	}
	return s.replace(ctx, "reverse_flow_state", "plugin_name", st.PluginName,
		"INSERT INTO reverse_flow_state (plugin_name, last_polled_ms, interval_seconds, enabled) VALUES (?, ?, ?, ?)",
		st.PluginName, polledMs, st.RotationIntervalSeconds, st.Enabled,
	)
}

func (s *SQLStore) ListReverseFlowStates(ctx context.Context) ([]ReverseFlowState, error) {
	return s.queryReverseFlow(ctx, "")
}

func (s *SQLStore) DeleteReverseFlowState(ctx context.Context, pluginName string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM reverse_flow_state WHERE plugin_name = ?"), pluginName); err != nil {
		return fmt.Errorf("delete reverse-flow state %s: %w", pluginName, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
