package tiercache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// sqlBackend stores entries in a single table (k, v, ea). ea is the expiry
// in unix milliseconds, 0 meaning no expiry; expired rows are treated as
// misses and reaped lazily on read.
type sqlBackend struct {
	db         *sql.DB
	table      string
	driverName string

	getStmt       *sql.Stmt
	upsertStmt    *sql.Stmt
	casStmt       *sql.Stmt
	addInsertStmt *sql.Stmt
	addReuseStmt  *sql.Stmt
	expireStmt    *sql.Stmt
	deleteStmt    *sql.Stmt
	releaseStmt   *sql.Stmt
	flushStmt     *sql.Stmt
}

var sqlIdentPartRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func newSQLBackend(driverName, dsn, table string) (Backend, error) {
	if driverName == "" || dsn == "" {
		return nil, errors.New("sql driver requires driver name and dsn")
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if table == "" {
		table = "cache_entries"
	}
	if err := validateSQLTableName(table); err != nil {
		return nil, err
	}
	s := &sqlBackend{db: db, table: table, driverName: driverName}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlBackend) Driver() Driver { return DriverSQL }

func (s *sqlBackend) ensureSchema() error {
	var stmt string
	switch s.driverName {
	case "postgres", "pgx":
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BYTEA NOT NULL,
			ea BIGINT NOT NULL
		);`, s.table)
	case "mysql":
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k VARBINARY(255) PRIMARY KEY,
			v LONGBLOB NOT NULL,
			ea BIGINT NOT NULL
		) ENGINE=InnoDB;`, s.table)
	default: // sqlite
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL,
			ea INTEGER NOT NULL
		);`, s.table)
	}
	_, err := s.db.Exec(stmt)
	return err
}

func (s *sqlBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	var exp int64
	err := s.getStmt.QueryRowContext(ctx, key).Scan(&v, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if exp > 0 && time.Now().UnixMilli() > exp {
		_, _ = s.deleteStmt.ExecContext(ctx, key)
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (s *sqlBackend) Gets(ctx context.Context, key string) ([]byte, Token, bool, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	return value, Token(cloneBytes(value)), true, nil
}

func (s *sqlBackend) MultiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = value
		}
	}
	return out, nil
}

func (s *sqlBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	exp := sqlExpiry(ttl)
	_, err := s.upsertStmt.ExecContext(ctx, key, value, exp, value, exp)
	return err
}

func (s *sqlBackend) CompareAndSwap(ctx context.Context, key string, value []byte, ttl time.Duration, token Token) (bool, error) {
	if token == nil {
		return true, s.Set(ctx, key, value, ttl)
	}
	res, err := s.casStmt.ExecContext(ctx, value, sqlExpiry(ttl), key, []byte(token), time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *sqlBackend) MultiSet(ctx context.Context, pairs []Pair, ttl time.Duration) error {
	for _, p := range pairs {
		if err := s.Set(ctx, p.Key, p.Value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlBackend) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	nowMs := time.Now().UnixMilli()
	exp := sqlExpiry(ttl)
	_, err := s.addInsertStmt.ExecContext(ctx, key, value, exp)
	if err == nil {
		return nil
	}
	if !isDuplicateErr(err, s.driverName) {
		return err
	}
	// Logically expired rows count as absent, so lock helpers can
	// reacquire after a lease runs out.
	res, updateErr := s.addReuseStmt.ExecContext(ctx, value, exp, key, nowMs)
	if updateErr != nil {
		return updateErr
	}
	rows, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return rowsErr
	}
	if rows == 0 {
		return fmt.Errorf("add %q: %w", key, ErrKeyExists)
	}
	return nil
}

func (s *sqlBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *sqlBackend) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var v []byte
	var exp int64
	selectSQL := fmt.Sprintf("SELECT v, ea FROM %s WHERE k = %s", s.table, s.ph(1))
	if s.driverName == "postgres" || s.driverName == "pgx" || s.driverName == "mysql" {
		selectSQL += " FOR UPDATE"
	}
	err = tx.QueryRowContext(ctx, selectSQL, key).Scan(&v, &exp)

	current := int64(0)
	keepExp := int64(0)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if err == nil {
		if exp > 0 && time.Now().UnixMilli() > exp {
			current = 0
		} else {
			current, err = strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("increment %q: %w", key, ErrNotANumber)
			}
			// A live counter keeps whatever expiry it had.
			keepExp = exp
		}
	}

	next := current + delta
	encoded := strconv.AppendInt(nil, next, 10)
	upsertStmt := tx.StmtContext(ctx, s.upsertStmt)
	defer upsertStmt.Close()
	if _, err := upsertStmt.ExecContext(ctx, key, encoded, keepExp, encoded, keepExp); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *sqlBackend) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := s.expireStmt.ExecContext(ctx, sqlExpiry(ttl), key, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *sqlBackend) Delete(ctx context.Context, key string) (int, error) {
	res, err := s.deleteStmt.ExecContext(ctx, key)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}

func (s *sqlBackend) MultiDelete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	placeholders := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		placeholders = append(placeholders, s.ph(i+1))
		args = append(args, k)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE k IN (%s)", s.table, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}

func (s *sqlBackend) Clear(ctx context.Context, namespace string) error {
	if namespace == "" {
		_, err := s.flushStmt.ExecContext(ctx)
		return err
	}
	pattern := sqlLikeEscaper.Replace(namespace) + "%"
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE k LIKE %s ESCAPE '^'", s.table, s.ph(1)), pattern)
	return err
}

// Raw supports "exec": args[0] is a SQL statement, the rest its parameters;
// the result is the number of rows affected.
func (s *sqlBackend) Raw(ctx context.Context, command string, args ...any) (any, error) {
	if command != "exec" {
		return nil, fmt.Errorf("%w: %q on %s", ErrRawUnsupported, command, DriverSQL)
	}
	if len(args) == 0 {
		return nil, errors.New("tiercache: raw exec wants a SQL statement")
	}
	query, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("tiercache: raw exec statement must be a string, got %T", args[0])
	}
	res, err := s.db.ExecContext(ctx, query, args[1:]...)
	if err != nil {
		return nil, err
	}
	return res.RowsAffected()
}

func (s *sqlBackend) ReleaseLock(ctx context.Context, key string, token Token) (bool, error) {
	res, err := s.releaseStmt.ExecContext(ctx, key, []byte(token))
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *sqlBackend) Close(context.Context) error {
	for _, stmt := range []*sql.Stmt{
		s.getStmt, s.upsertStmt, s.casStmt, s.addInsertStmt, s.addReuseStmt,
		s.expireStmt, s.deleteStmt, s.releaseStmt, s.flushStmt,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *sqlBackend) upsertSQL() string {
	// Placeholders must be positional for postgres/pgx.
	p1, p2, p3, p4, p5 := s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5)
	switch s.driverName {
	case "postgres", "pgx":
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON CONFLICT (k) DO UPDATE SET v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	case "mysql":
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON DUPLICATE KEY UPDATE v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	default: // sqlite
		return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s) ON CONFLICT(k) DO UPDATE SET v = %s, ea = %s", s.table, p1, p2, p3, p4, p5)
	}
}

func (s *sqlBackend) getSQL() string {
	return fmt.Sprintf("SELECT v, ea FROM %s WHERE k = %s", s.table, s.ph(1))
}

func (s *sqlBackend) casSQL() string {
	return fmt.Sprintf("UPDATE %s SET v = %s, ea = %s WHERE k = %s AND v = %s AND (ea = 0 OR ea >= %s)",
		s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
}

func (s *sqlBackend) addInsertSQL() string {
	return fmt.Sprintf("INSERT INTO %s (k, v, ea) VALUES (%s, %s, %s)", s.table, s.ph(1), s.ph(2), s.ph(3))
}

func (s *sqlBackend) addReuseExpiredSQL() string {
	return fmt.Sprintf("UPDATE %s SET v = %s, ea = %s WHERE k = %s AND ea > 0 AND ea < %s", s.table, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
}

func (s *sqlBackend) expireSQL() string {
	return fmt.Sprintf("UPDATE %s SET ea = %s WHERE k = %s AND (ea = 0 OR ea >= %s)", s.table, s.ph(1), s.ph(2), s.ph(3))
}

func (s *sqlBackend) deleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE k = %s", s.table, s.ph(1))
}

func (s *sqlBackend) releaseSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE k = %s AND v = %s", s.table, s.ph(1), s.ph(2))
}

func (s *sqlBackend) flushSQL() string {
	return fmt.Sprintf("DELETE FROM %s", s.table)
}

func (s *sqlBackend) prepareStatements() error {
	var err error
	if s.getStmt, err = s.db.Prepare(s.getSQL()); err != nil {
		return err
	}
	if s.upsertStmt, err = s.db.Prepare(s.upsertSQL()); err != nil {
		return err
	}
	if s.casStmt, err = s.db.Prepare(s.casSQL()); err != nil {
		return err
	}
	if s.addInsertStmt, err = s.db.Prepare(s.addInsertSQL()); err != nil {
		return err
	}
	if s.addReuseStmt, err = s.db.Prepare(s.addReuseExpiredSQL()); err != nil {
		return err
	}
	if s.expireStmt, err = s.db.Prepare(s.expireSQL()); err != nil {
		return err
	}
	if s.deleteStmt, err = s.db.Prepare(s.deleteSQL()); err != nil {
		return err
	}
	if s.releaseStmt, err = s.db.Prepare(s.releaseSQL()); err != nil {
		return err
	}
	if s.flushStmt, err = s.db.Prepare(s.flushSQL()); err != nil {
		return err
	}
	return nil
}

func (s *sqlBackend) ph(i int) string {
	if s.driverName == "postgres" || s.driverName == "pgx" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

var sqlLikeEscaper = strings.NewReplacer("^", "^^", "%", "^%", "_", "^_")

// sqlExpiry converts a ttl to the stored expiry in unix milliseconds.
func sqlExpiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixMilli()
}

func isDuplicateErr(err error, driver string) bool {
	msg := err.Error()
	switch driver {
	case "postgres", "pgx":
		return strings.Contains(msg, "duplicate key value")
	case "mysql":
		return strings.Contains(msg, "Duplicate entry")
	default:
		return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "unique constraint")
	}
}

func validateSQLTableName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("sql table name is required")
	}
	for _, part := range strings.Split(name, ".") {
		if !sqlIdentPartRE.MatchString(part) {
			return fmt.Errorf("invalid sql table name %q", name)
		}
	}
	return nil
}
