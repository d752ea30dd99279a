package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore keeps checkpoints in a <prefix>checkpoints table.
type PostgresStore struct {
	db        *sql.DB
	tableName string
	ownsDB    bool
}

// NewPostgresStore opens its own connection.
// tablePrefix defaults to "indexer_" -> table indexer_checkpoints
func NewPostgresStore(ctx context.Context, connStr string, tablePrefix string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	store, err := NewPostgresStoreFromDB(ctx, db, tablePrefix)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewPostgresStoreFromDB shares a pool with the record store. Close leaves
// the pool open.
func NewPostgresStoreFromDB(ctx context.Context, db *sql.DB, tablePrefix string) (*PostgresStore, error) {
	if tablePrefix == "" {
		tablePrefix = "indexer_"
	}
	store := &PostgresStore{
		db:        db,
		tableName: tablePrefix + "checkpoints",
	}
	if err := store.initTable(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) initTable(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		task_key VARCHAR(255) PRIMARY KEY,
		block_height BIGINT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`, p.tableName)
	_, err := p.db.ExecContext(ctx, query)
	return err
}

func (p *PostgresStore) Load(ctx context.Context, stream string) (uint64, error) {
	var height uint64
	query := fmt.Sprintf("SELECT block_height FROM %s WHERE task_key = $1", p.tableName)
	err := p.db.QueryRowContext(ctx, query, stream).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return height, nil
}

func (p *PostgresStore) Save(ctx context.Context, stream string, block uint64) error {
	// The WHERE guard turns a backwards move into a zero-row upsert
	query := fmt.Sprintf(`
	INSERT INTO %[1]s (task_key, block_height, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (task_key)
	DO UPDATE SET block_height = EXCLUDED.block_height, updated_at = NOW()
	WHERE %[1]s.block_height <= EXCLUDED.block_height;
	`, p.tableName)
	res, err := p.db.ExecContext(ctx, query, stream, block)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, _ := p.Load(ctx, stream)
		return regression(stream, cur, block)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	if !p.ownsDB {
		return nil
	}
	return p.db.Close()
}
