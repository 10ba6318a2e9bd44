package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bigkaa/gamepanel/internal/domain/model"
)

// BackupRepository — доступ к резервным копиям серверов.
type BackupRepository interface {
	Create(ctx context.Context, b *model.ServerBackup) error
	ListByServer(ctx context.Context, serverID int64) ([]*model.ServerBackup, error)
	// FailIncompleteByNode помечает незавершённые копии серверов ноды
	// как неуспешные с текущим временем завершения.
	FailIncompleteByNode(ctx context.Context, nodeID int64) (int64, error)
}

type backupRepo struct {
	db DBTX
}

// NewBackupRepository создаёт репозиторий резервных копий.
func NewBackupRepository(db DBTX) BackupRepository {
	return &backupRepo{db: db}
}

func (r *backupRepo) Create(ctx context.Context, b *model.ServerBackup) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO server_backups (uuid, server_id, name, successful, bytes, completed)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		uuid.New(), b.ServerID, b.Name, b.Successful, b.Bytes, b.Completed,
	).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: сервер %d", ErrNotFound, b.ServerID)
		}
		return fmt.Errorf("ошибка создания резервной копии: %w", err)
	}
	return nil
}

func (r *backupRepo) ListByServer(ctx context.Context, serverID int64) ([]*model.ServerBackup, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, server_id, name, successful, bytes, completed, created_at
		FROM server_backups WHERE server_id = $1 ORDER BY created_at, id`,
		serverID,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения резервных копий: %w", err)
	}
	defer rows.Close()

	var result []*model.ServerBackup
	for rows.Next() {
		b := &model.ServerBackup{}
		if err := rows.Scan(&b.ID, &b.ServerID, &b.Name, &b.Successful, &b.Bytes, &b.Completed, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования резервной копии: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (r *backupRepo) FailIncompleteByNode(ctx context.Context, nodeID int64) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE server_backups SET successful = FALSE, completed = NOW()
		WHERE completed IS NULL
			AND server_id IN (SELECT id FROM servers WHERE node_id = $1)`,
		nodeID,
	)
	if err != nil {
		return 0, fmt.Errorf("ошибка завершения зависших резервных копий: %w", err)
	}
	return tag.RowsAffected(), nil
}
