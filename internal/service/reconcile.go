// reconcile.go — согласование состояния после перезапуска агента.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/repository"
)

// ResetResult — сколько записей исправлено при согласовании.
type ResetResult struct {
	ServersReset  int64
	BackupsFailed int64
}

// ReconciliationService сбрасывает состояние, оставшееся от операций,
// прерванных перезапуском агента.
type ReconciliationService struct {
	servers  repository.ServerRepository
	backups  repository.BackupRepository
	activity *ActivityLogger
	logger   *slog.Logger
}

// NewReconciliationService создаёт сервис согласования.
func NewReconciliationService(
	servers repository.ServerRepository,
	backups repository.BackupRepository,
	activity *ActivityLogger,
	logger *slog.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		servers:  servers,
		backups:  backups,
		activity: activity,
		logger:   logger.With(slog.String("component", "reconciliation")),
	}
}

// Reset выполняет два независимых запроса: снимает restoring_backup
// с серверов ноды и завершает неудачей незавершённые резервные копии.
// Ошибка второго шага не отменяет первый.
func (s *ReconciliationService) Reset(ctx context.Context, node *model.Node) (ResetResult, error) {
	var result ResetResult

	n, err := s.servers.ResetRestoringBackup(ctx, node.ID)
	if err != nil {
		return result, fmt.Errorf("сброс статуса серверов ноды %d: %w", node.ID, err)
	}
	result.ServersReset = n

	n, err = s.backups.FailIncompleteByNode(ctx, node.ID)
	if err != nil {
		s.logger.Error("Статусы серверов сброшены, но резервные копии не завершены",
			slog.Int64("node_id", node.ID),
			slog.Int64("servers_reset", result.ServersReset),
			slog.String("error", err.Error()),
		)
		return result, fmt.Errorf("завершение резервных копий ноды %d: %w", node.ID, err)
	}
	result.BackupsFailed = n

	s.logger.Info("Состояние ноды согласовано после перезапуска агента",
		slog.Int64("node_id", node.ID),
		slog.Int64("servers_reset", result.ServersReset),
		slog.Int64("backups_failed", result.BackupsFailed),
	)

	s.activity.Log(ctx, "node:servers.reset", nil, map[string]any{
		"node_id":        node.ID,
		"servers_reset":  result.ServersReset,
		"backups_failed": result.BackupsFailed,
	})
	return result, nil
}
