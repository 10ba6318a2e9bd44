// activity.go — журнал активности пользователей и нод.
// Запись выполняется в фоне: вызывающий код не ждёт её завершения,
// ошибки только логируются.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/repository"
)

// Actor — инициатор действия, попадающий в журнал.
type Actor struct {
	UserID *int64
	IP     *netip.Addr
}

type actorKey struct{}

// ContextWithActor возвращает контекст с инициатором действия.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext извлекает инициатора действия (нулевой Actor, если не задан).
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey{}).(Actor)
	return actor
}

// EventPublisher — транслирует события активности во внешнюю шину.
type EventPublisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// ActivityLogger — асинхронная запись событий в activity_logs.
type ActivityLogger struct {
	repo      repository.ActivityRepository
	publisher EventPublisher
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewActivityLogger создаёт журнал активности.
// publisher может быть nil — тогда события только пишутся в БД.
func NewActivityLogger(repo repository.ActivityRepository, publisher EventPublisher, logger *slog.Logger) *ActivityLogger {
	return &ActivityLogger{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "activity")),
	}
}

// Log ставит событие в запись и сразу возвращает управление.
// Инициатор берётся из ctx; отмена ctx запись не прерывает.
func (a *ActivityLogger) Log(ctx context.Context, event string, serverID *int64, data map[string]any) {
	if a == nil {
		return
	}

	actor := ActorFromContext(ctx)
	payload, err := json.Marshal(data)
	if err != nil {
		a.logger.Warn("Не удалось сериализовать событие активности",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}

	ev := &model.ActivityEvent{
		Event:    event,
		UserID:   actor.UserID,
		ServerID: serverID,
		IP:       actor.IP,
		Data:     payload,
	}

	bg := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.write(bg, ev)
	}()
}

func (a *ActivityLogger) write(ctx context.Context, ev *model.ActivityEvent) {
	if err := a.repo.Create(ctx, ev); err != nil {
		a.logger.Warn("Не удалось записать событие активности",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
		return
	}

	if a.publisher == nil {
		return
	}
	msg, err := json.Marshal(activityMessage{
		ID:        ev.ID,
		Event:     ev.Event,
		UserID:    ev.UserID,
		ServerID:  ev.ServerID,
		Data:      ev.Data,
		CreatedAt: ev.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return
	}
	if err := a.publisher.Publish(ctx, msg); err != nil {
		a.logger.Warn("Не удалось опубликовать событие активности",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
}

// activityMessage — формат события в шине.
type activityMessage struct {
	ID        int64           `json:"id"`
	Event     string          `json:"event"`
	UserID    *int64          `json:"user_id,omitempty"`
	ServerID  *int64          `json:"server_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt string          `json:"created_at"`
}

// Wait дожидается записи всех поставленных событий.
func (a *ActivityLogger) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}
