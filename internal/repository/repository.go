// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrIdentifierCollision — uuid или uuid_short сервера уже заняты.
	ErrIdentifierCollision = errors.New("коллизия идентификатора сервера")
	// ErrInUse — запись используется другой записью (внешний ключ).
	ErrInUse = errors.New("запись используется")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx — транзакция вместе с репозиториями, привязанными к ней.
type Tx interface {
	Servers() ServerRepository
	ServerAllocations() ServerAllocationRepository
	NodeAllocations() NodeAllocationRepository
	// Savepoint выполняет fn во вложенной транзакции (SAVEPOINT).
	// Ошибка fn откатывает только её изменения, внешняя транзакция
	// остаётся пригодной для дальнейших запросов.
	Savepoint(ctx context.Context, fn func(tx Tx) error) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store — точка входа в хранилище: открывает транзакции поверх пула.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore создаёт Store для управления транзакциями.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BeginTx открывает транзакцию. Вызывающий обязан завершить её
// через Commit или Rollback.
func (s *Store) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn транзакция откатывается, при успехе — коммитится.
func (s *Store) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// pgTx — реализация Tx поверх pgx.Tx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Servers() ServerRepository {
	return NewServerRepository(t.tx)
}

func (t *pgTx) ServerAllocations() ServerAllocationRepository {
	return NewServerAllocationRepository(t.tx)
}

func (t *pgTx) NodeAllocations() NodeAllocationRepository {
	return NewNodeAllocationRepository(t.tx)
}

func (t *pgTx) Savepoint(ctx context.Context, fn func(tx Tx) error) error {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка создания savepoint: %w", err)
	}

	if err := fn(&pgTx{tx: nested}); err != nil {
		if rbErr := nested.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("ошибка отката savepoint: %w", rbErr))
		}
		return err
	}

	return nested.Commit(ctx)
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// pgError извлекает *pgconn.PgError из цепочки ошибок.
func pgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	pgErr, ok := pgError(err)
	return ok && pgErr.Code == pgerrcode.UniqueViolation
}

// isForeignKeyViolation проверяет нарушение внешнего ключа.
func isForeignKeyViolation(err error) bool {
	pgErr, ok := pgError(err)
	return ok && pgErr.Code == pgerrcode.ForeignKeyViolation
}

// constraintName возвращает имя нарушенного ограничения или пустую строку.
func constraintName(err error) string {
	if pgErr, ok := pgError(err); ok {
		return pgErr.ConstraintName
	}
	return ""
}
