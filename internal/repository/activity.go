package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/gamepanel/internal/domain/model"
)

// ActivityRepository — журнал активности (activity_logs).
type ActivityRepository interface {
	Create(ctx context.Context, e *model.ActivityEvent) error
	// ListByServer возвращает последние события сервера, новые первыми.
	ListByServer(ctx context.Context, serverID int64, limit int) ([]*model.ActivityEvent, error)
}

type activityRepo struct {
	db DBTX
}

// NewActivityRepository создаёт репозиторий журнала активности.
func NewActivityRepository(db DBTX) ActivityRepository {
	return &activityRepo{db: db}
}

func (r *activityRepo) Create(ctx context.Context, e *model.ActivityEvent) error {
	data := e.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO activity_logs (event, user_id, server_id, ip, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		e.Event, e.UserID, e.ServerID, e.IP, string(data),
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи события активности: %w", err)
	}
	return nil
}

func (r *activityRepo) ListByServer(ctx context.Context, serverID int64, limit int) ([]*model.ActivityEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, event, user_id, server_id, ip, data, created_at
		FROM activity_logs WHERE server_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		serverID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения журнала активности: %w", err)
	}
	defer rows.Close()

	var result []*model.ActivityEvent
	for rows.Next() {
		e := &model.ActivityEvent{}
		var data []byte
		if err := rows.Scan(&e.ID, &e.Event, &e.UserID, &e.ServerID, &e.IP, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования события: %w", err)
		}
		e.Data = data
		result = append(result, e)
	}
	return result, rows.Err()
}
