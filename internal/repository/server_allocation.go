package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/gamepanel/internal/domain/model"
)

// ServerAllocationRepository — привязки адресов к серверам (server_allocations).
type ServerAllocationRepository interface {
	// Create привязывает адрес к серверу. Адрес, уже привязанный
	// к любому серверу, возвращает ErrConflict; несуществующий — ErrNotFound.
	Create(ctx context.Context, sa *model.ServerAllocation) error
	// ListByServer возвращает привязки сервера вместе с адресами.
	ListByServer(ctx context.Context, serverID int64) ([]*model.ServerAllocation, error)
}

type serverAllocationRepo struct {
	db DBTX
}

// NewServerAllocationRepository создаёт репозиторий привязок адресов.
func NewServerAllocationRepository(db DBTX) ServerAllocationRepository {
	return &serverAllocationRepo{db: db}
}

func (r *serverAllocationRepo) Create(ctx context.Context, sa *model.ServerAllocation) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO server_allocations (server_id, allocation_id, notes)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		sa.ServerID, sa.AllocationID, sa.Notes,
	).Scan(&sa.ID, &sa.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: адрес %d уже привязан к серверу", ErrConflict, sa.AllocationID)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: адрес %d", ErrNotFound, sa.AllocationID)
		}
		return fmt.Errorf("ошибка привязки адреса: %w", err)
	}
	return nil
}

func (r *serverAllocationRepo) ListByServer(ctx context.Context, serverID int64) ([]*model.ServerAllocation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT sa.id, sa.server_id, sa.allocation_id, sa.notes, sa.created_at,
			na.id, na.node_id, na.ip, na.ip_alias, na.port, na.created_at,
			s.allocation_id IS NOT DISTINCT FROM sa.id AS is_default
		FROM server_allocations sa
		JOIN node_allocations na ON na.id = sa.allocation_id
		JOIN servers s ON s.id = sa.server_id
		WHERE sa.server_id = $1
		ORDER BY na.ip, na.port`,
		serverID,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения привязок адресов: %w", err)
	}
	defer rows.Close()

	var result []*model.ServerAllocation
	for rows.Next() {
		sa := &model.ServerAllocation{Allocation: &model.NodeAllocation{}}
		if err := rows.Scan(
			&sa.ID, &sa.ServerID, &sa.AllocationID, &sa.Notes, &sa.CreatedAt,
			&sa.Allocation.ID, &sa.Allocation.NodeID, &sa.Allocation.IP,
			&sa.Allocation.IPAlias, &sa.Allocation.Port, &sa.Allocation.CreatedAt,
			&sa.IsDefault,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования привязки адреса: %w", err)
		}
		result = append(result, sa)
	}
	return result, rows.Err()
}
