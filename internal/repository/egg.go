package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gamepanel/internal/domain/model"
)

// EggRepository — доступ к шаблонам рабочей нагрузки.
type EggRepository interface {
	Create(ctx context.Context, e *model.Egg) error
	GetByID(ctx context.Context, id int64) (*model.Egg, error)
}

type eggRepo struct {
	db DBTX
}

// NewEggRepository создаёт репозиторий шаблонов.
func NewEggRepository(db DBTX) EggRepository {
	return &eggRepo{db: db}
}

func (r *eggRepo) Create(ctx context.Context, e *model.Egg) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO eggs (uuid, name, docker_image, startup)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		e.UUID, e.Name, e.DockerImage, e.Startup,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: egg с таким uuid уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания egg: %w", err)
	}
	return nil
}

func (r *eggRepo) GetByID(ctx context.Context, id int64) (*model.Egg, error) {
	e := &model.Egg{}
	err := r.db.QueryRow(ctx,
		`SELECT id, uuid, name, docker_image, startup, created_at FROM eggs WHERE id = $1`, id,
	).Scan(&e.ID, &e.UUID, &e.Name, &e.DockerImage, &e.Startup, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения egg: %w", err)
	}
	return e, nil
}
