package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"github.com/84hero/token-indexer/internal/record"
)

const DriverName = "postgres"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore stores rows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Open connects to connStr and verifies the connection.
func Open(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := sql.Open(DriverName, connStr)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB returns the underlying pool, shared with the checkpoint store.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (p *PostgresStore) Tokens(ctx context.Context) ([]record.Token, error) {
	query, args, err := psql.
		Select("token_address", "issuer_address", "template", "abi").
		From(record.TableTokens).
		Where(sq.And{sq.NotEq{"token_address": nil}, sq.NotEq{"token_address": ""}}).
		OrderBy("token_address").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []record.Token
	for rows.Next() {
		var t record.Token
		var abi sql.NullString
		if err := rows.Scan(&t.Address, &t.Issuer, &t.Template, &abi); err != nil {
			return nil, err
		}
		t.ABI = abi.String
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

type pgTx struct {
	tx *sql.Tx
}

func keyWhere(c *codec, key record.Key) sq.Eq {
	eq := sq.Eq{}
	for i, col := range c.keyCols {
		eq[col] = key.Parts[i]
	}
	return eq
}

func (t *pgTx) Get(ctx context.Context, key record.Key) (record.Row, error) {
	c, err := codecFor(key.Table)
	if err != nil {
		return nil, err
	}
	query, args, err := psql.Select(c.cols...).From(c.table).Where(keyWhere(c, key)).ToSql()
	if err != nil {
		return nil, err
	}
	row, err := c.scan(t.tx.QueryRowContext(ctx, query, args...).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", c.table, err)
	}
	return row, nil
}

func (t *pgTx) Put(ctx context.Context, row record.Row) error {
	c, err := codecFor(row.Table())
	if err != nil {
		return err
	}
	if len(c.keyCols) == 0 {
		return fmt.Errorf("put on append-only table %s", c.table)
	}
	sets := make([]string, 0, len(c.valueCols()))
	for _, col := range c.valueCols() {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	query, args, err := psql.
		Insert(c.table).
		Columns(c.cols...).
		Values(c.values(row)...).
		Suffix(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(c.keyCols, ","), strings.Join(sets, ", "))).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", c.table, err)
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, row record.Row) error {
	c, err := codecFor(row.Table())
	if err != nil {
		return err
	}
	query, args, err := psql.Insert(c.table).Columns(c.cols...).Values(c.values(row)...).ToSql()
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", c.table, err)
	}
	return nil
}

func (t *pgTx) UTXOs(ctx context.Context, token, account string) ([]record.UTXO, error) {
	c := codecs[record.TableUTXO]
	query, args, err := psql.
		Select(c.cols...).
		From(c.table).
		Where(sq.Eq{"token_address": token, "account_address": account}).
		Where(sq.Gt{"amount": 0}).
		OrderBy("block_number", "transaction_hash").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select utxo: %w", err)
	}
	defer rows.Close()

	var out []record.UTXO
	for rows.Next() {
		r, err := c.scan(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r.(record.UTXO))
	}
	return out, rows.Err()
}

func (t *pgTx) Holders(ctx context.Context, token string) ([]record.Holding, error) {
	query, args, err := psql.
		Select("account_address", "SUM(amount)").
		From(record.TableUTXO).
		Where(sq.Eq{"token_address": token}).
		GroupBy("account_address").
		Having("SUM(amount) > 0").
		OrderBy("account_address").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sum utxo: %w", err)
	}
	defer rows.Close()

	var out []record.Holding
	for rows.Next() {
		var h record.Holding
		if err := rows.Scan(&h.AccountAddress, &h.Amount); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (t *pgTx) Commit() error {
	return t.tx.Commit()
}

func (t *pgTx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}
