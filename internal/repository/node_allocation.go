package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gamepanel/internal/domain/model"
)

// NodeAllocationRepository — пул сетевых адресов нод (таблица node_allocations).
type NodeAllocationRepository interface {
	// Create добавляет адрес. Повтор (node_id, ip, port) — ErrConflict,
	// несуществующая нода — ErrNotFound.
	Create(ctx context.Context, a *model.NodeAllocation) error
	GetByID(ctx context.Context, id int64) (*model.NodeAllocation, error)
	// ListByNode возвращает страницу адресов ноды в порядке (ip, port)
	// и общее число адресов ноды.
	ListByNode(ctx context.Context, nodeID int64, limit, offset int) ([]*model.NodeAllocation, int, error)
	// DeleteByIDs удаляет адреса ноды по списку ID. Если хотя бы один
	// адрес привязан к серверу, ничего не удаляется и возвращается ErrInUse.
	DeleteByIDs(ctx context.Context, nodeID int64, ids []int64) (int64, error)
}

// nodeAllocationRepo — реализация NodeAllocationRepository.
type nodeAllocationRepo struct {
	db DBTX
}

// NewNodeAllocationRepository создаёт репозиторий адресов нод.
func NewNodeAllocationRepository(db DBTX) NodeAllocationRepository {
	return &nodeAllocationRepo{db: db}
}

func (r *nodeAllocationRepo) Create(ctx context.Context, a *model.NodeAllocation) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO node_allocations (node_id, ip, ip_alias, port)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		a.NodeID, a.IP, a.IPAlias, a.Port,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: адрес %s:%d уже существует на ноде", ErrConflict, a.IP, a.Port)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: нода %d", ErrNotFound, a.NodeID)
		}
		return fmt.Errorf("ошибка создания адреса: %w", err)
	}
	return nil
}

func (r *nodeAllocationRepo) GetByID(ctx context.Context, id int64) (*model.NodeAllocation, error) {
	a := &model.NodeAllocation{}
	err := r.db.QueryRow(ctx,
		`SELECT id, node_id, ip, ip_alias, port, created_at
		FROM node_allocations WHERE id = $1`, id,
	).Scan(&a.ID, &a.NodeID, &a.IP, &a.IPAlias, &a.Port, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения адреса: %w", err)
	}
	return a, nil
}

func (r *nodeAllocationRepo) ListByNode(ctx context.Context, nodeID int64, limit, offset int) ([]*model.NodeAllocation, int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, node_id, ip, ip_alias, port, created_at, COUNT(*) OVER() AS total
		FROM node_allocations
		WHERE node_id = $1
		ORDER BY ip, port
		LIMIT $2 OFFSET $3`,
		nodeID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения списка адресов: %w", err)
	}
	defer rows.Close()

	var (
		result []*model.NodeAllocation
		total  int
	)
	for rows.Next() {
		a := &model.NodeAllocation{}
		if err := rows.Scan(&a.ID, &a.NodeID, &a.IP, &a.IPAlias, &a.Port, &a.CreatedAt, &total); err != nil {
			return nil, 0, fmt.Errorf("ошибка сканирования адреса: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ошибка чтения списка адресов: %w", err)
	}

	// Страница за пределами данных: оконная функция не вернёт total.
	if len(result) == 0 && offset > 0 {
		if err := r.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM node_allocations WHERE node_id = $1`, nodeID,
		).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("ошибка подсчёта адресов: %w", err)
		}
	}

	return result, total, nil
}

func (r *nodeAllocationRepo) DeleteByIDs(ctx context.Context, nodeID int64, ids []int64) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM node_allocations WHERE node_id = $1 AND id = ANY($2)`,
		nodeID, ids,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, fmt.Errorf("%w: адрес привязан к серверу", ErrInUse)
		}
		return 0, fmt.Errorf("ошибка удаления адресов: %w", err)
	}
	return tag.RowsAffected(), nil
}
