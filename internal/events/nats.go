// Пакет events — трансляция событий активности в NATS.
// Подключение необязательно: без GP_NATS_URL события пишутся только в БД.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrNotConnected — соединение с NATS закрыто или не установлено.
var ErrNotConnected = errors.New("nats: нет соединения")

// Publisher публикует события в один subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewPublisher подключается к NATS. Переподключение бесконечное,
// публикации во время разрыва буферизуются клиентом.
func NewPublisher(url, subject, name string, logger *slog.Logger) (*Publisher, error) {
	if subject == "" {
		return nil, errors.New("nats: subject не задан")
	}
	log := logger.With(slog.String("component", "nats_publisher"))

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Соединение с NATS потеряно", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Соединение с NATS восстановлено", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("подключение к NATS %s: %w", url, err)
	}

	log.Info("Подключено к NATS",
		slog.String("url", nc.ConnectedUrl()),
		slog.String("subject", subject),
	)
	return &Publisher{nc: nc, subject: subject, logger: log}, nil
}

// Publish отправляет payload в subject публикатора.
func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	return p.nc.Publish(p.subject, payload)
}

// Close отправляет буферизованные сообщения и закрывает соединение.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("Ошибка drain соединения NATS", slog.String("error", err.Error()))
	}
	p.nc.Close()
}
