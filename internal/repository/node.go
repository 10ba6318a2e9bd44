package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gamepanel/internal/domain/model"
)

// NodeRepository — доступ к таблице nodes.
type NodeRepository interface {
	Create(ctx context.Context, n *model.Node) error
	GetByID(ctx context.Context, id int64) (*model.Node, error)
	// GetByTokenID ищет ноду по открытой части токена агента.
	GetByTokenID(ctx context.Context, tokenID string) (*model.Node, error)
}

type nodeRepo struct {
	db DBTX
}

// NewNodeRepository создаёт репозиторий нод.
func NewNodeRepository(db DBTX) NodeRepository {
	return &nodeRepo{db: db}
}

const nodeColumns = `id, uuid, name, public, maintenance_message, base_url, public_url,
	token_id, token, memory, disk, created_at, updated_at`

func (r *nodeRepo) Create(ctx context.Context, n *model.Node) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO nodes (uuid, name, public, maintenance_message, base_url, public_url,
			token_id, token, memory, disk)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		n.UUID, n.Name, n.Public, n.MaintenanceMessage, n.BaseURL, n.PublicURL,
		n.TokenID, n.Token, n.Memory, n.Disk,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: uuid или token_id ноды уже используются", ErrConflict)
		}
		return fmt.Errorf("ошибка создания ноды: %w", err)
	}
	return nil
}

func (r *nodeRepo) GetByID(ctx context.Context, id int64) (*model.Node, error) {
	return r.getOne(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
}

func (r *nodeRepo) GetByTokenID(ctx context.Context, tokenID string) (*model.Node, error) {
	return r.getOne(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE token_id = $1`, tokenID)
}

func (r *nodeRepo) getOne(ctx context.Context, query string, arg any) (*model.Node, error) {
	n := &model.Node{}
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&n.ID, &n.UUID, &n.Name, &n.Public, &n.MaintenanceMessage, &n.BaseURL, &n.PublicURL,
		&n.TokenID, &n.Token, &n.Memory, &n.Disk, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ноды: %w", err)
	}
	return n, nil
}
