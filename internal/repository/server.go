package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gamepanel/internal/domain/model"
)

// ServerRepository — доступ к таблице servers.
type ServerRepository interface {
	// Create вставляет сервер, заполняя ID, CreatedAt и UpdatedAt.
	// Занятые uuid/uuid_short возвращают ErrIdentifierCollision.
	Create(ctx context.Context, s *model.Server) error
	GetByID(ctx context.Context, id int64) (*model.Server, error)
	GetByUUID(ctx context.Context, id uuid.UUID) (*model.Server, error)
	GetByShortID(ctx context.Context, short int32) (*model.Server, error)
	// Delete удаляет сервер вместе с его server_allocations (каскад).
	Delete(ctx context.Context, id int64) error
	// SetDefaultAllocation обновляет указатель на основное подключение.
	SetDefaultAllocation(ctx context.Context, serverID int64, serverAllocationID *int64) error
	// GetSubuserGrant возвращает права пользователя на сервер
	// или ErrNotFound, если пользователь не субпользователь сервера.
	GetSubuserGrant(ctx context.Context, serverID, userID int64) (*model.SubuserGrant, error)
	// ResetRestoringBackup снимает статус restoring_backup со всех серверов ноды.
	ResetRestoringBackup(ctx context.Context, nodeID int64) (int64, error)
}

// serverRepo — реализация ServerRepository.
type serverRepo struct {
	db DBTX
}

// NewServerRepository создаёт репозиторий серверов.
func NewServerRepository(db DBTX) ServerRepository {
	return &serverRepo{db: db}
}

const serverColumns = `
	id, uuid, uuid_short, external_id, node_id, owner_id, egg_id,
	destination_node_id, allocation_id, name, description, status, suspended,
	cpu, memory, swap, disk, io_weight, pinned_cpus, startup, image, timezone,
	allocation_limit, database_limit, backup_limit, schedule_limit,
	created_at, updated_at`

func (r *serverRepo) Create(ctx context.Context, s *model.Server) error {
	query := `
		INSERT INTO servers (uuid, uuid_short, external_id, node_id, owner_id, egg_id,
			name, description, status, cpu, memory, swap, disk, io_weight,
			pinned_cpus, startup, image, timezone,
			allocation_limit, database_limit, backup_limit, schedule_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING id, created_at, updated_at`

	pinned := s.PinnedCPUs
	if pinned == nil {
		pinned = []int32{}
	}

	err := r.db.QueryRow(ctx, query,
		s.UUID, s.UUIDShort, s.ExternalID, s.NodeID, s.OwnerID, s.EggID,
		s.Name, s.Description, statusParam(s.Status),
		s.Limits.CPU, s.Limits.Memory, s.Limits.Swap, s.Limits.Disk, s.Limits.IOWeight,
		pinned, s.Startup, s.Image, s.Timezone,
		s.FeatureLimits.Allocations, s.FeatureLimits.Databases,
		s.FeatureLimits.Backups, s.FeatureLimits.Schedules,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			switch constraintName(err) {
			case "servers_uuid_key", "servers_uuid_short_key":
				return fmt.Errorf("%w: %s", ErrIdentifierCollision, constraintName(err))
			default:
				return fmt.Errorf("%w: external_id уже используется", ErrConflict)
			}
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: нода, владелец или egg (%s)", ErrNotFound, constraintName(err))
		}
		return fmt.Errorf("ошибка создания сервера: %w", err)
	}
	return nil
}

func (r *serverRepo) GetByID(ctx context.Context, id int64) (*model.Server, error) {
	return r.getOne(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
}

func (r *serverRepo) GetByUUID(ctx context.Context, id uuid.UUID) (*model.Server, error) {
	return r.getOne(ctx, `SELECT `+serverColumns+` FROM servers WHERE uuid = $1`, id)
}

func (r *serverRepo) GetByShortID(ctx context.Context, short int32) (*model.Server, error) {
	return r.getOne(ctx, `SELECT `+serverColumns+` FROM servers WHERE uuid_short = $1`, short)
}

func (r *serverRepo) getOne(ctx context.Context, query string, arg any) (*model.Server, error) {
	s, err := scanServer(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сервера: %w", err)
	}
	return s, nil
}

func (r *serverRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления сервера: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *serverRepo) SetDefaultAllocation(ctx context.Context, serverID int64, serverAllocationID *int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE servers SET allocation_id = $2, updated_at = NOW() WHERE id = $1`,
		serverID, serverAllocationID,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления основного подключения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *serverRepo) GetSubuserGrant(ctx context.Context, serverID, userID int64) (*model.SubuserGrant, error) {
	grant := &model.SubuserGrant{}
	err := r.db.QueryRow(ctx,
		`SELECT permissions, ignored_files FROM server_subusers
		WHERE server_id = $1 AND user_id = $2`,
		serverID, userID,
	).Scan(&grant.Permissions, &grant.IgnoredFiles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения прав субпользователя: %w", err)
	}
	if grant.Permissions == nil {
		grant.Permissions = []string{}
	}
	return grant, nil
}

func (r *serverRepo) ResetRestoringBackup(ctx context.Context, nodeID int64) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE servers SET status = NULL, updated_at = NOW()
		WHERE node_id = $1 AND status = 'restoring_backup'`,
		nodeID,
	)
	if err != nil {
		return 0, fmt.Errorf("ошибка сброса статуса restoring_backup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanServer читает строку с колонками serverColumns.
func scanServer(row pgx.Row) (*model.Server, error) {
	s := &model.Server{}
	var status *string
	err := row.Scan(
		&s.ID, &s.UUID, &s.UUIDShort, &s.ExternalID, &s.NodeID, &s.OwnerID, &s.EggID,
		&s.DestinationNodeID, &s.AllocationID, &s.Name, &s.Description, &status, &s.Suspended,
		&s.Limits.CPU, &s.Limits.Memory, &s.Limits.Swap, &s.Limits.Disk, &s.Limits.IOWeight,
		&s.PinnedCPUs, &s.Startup, &s.Image, &s.Timezone,
		&s.FeatureLimits.Allocations, &s.FeatureLimits.Databases,
		&s.FeatureLimits.Backups, &s.FeatureLimits.Schedules,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if status != nil {
		st := model.ServerStatus(*status)
		s.Status = &st
	}
	return s, nil
}

// statusParam приводит статус к параметру запроса (NULL для рабочего состояния).
func statusParam(st *model.ServerStatus) *string {
	if st == nil {
		return nil
	}
	v := string(*st)
	return &v
}
