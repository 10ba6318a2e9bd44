// servers.go — создание и удаление серверов.
//
// Создание: локальная транзакция фиксируется до вызова агента, при ошибке
// агента сервер удаляется отдельной операцией. Удаление: транзакция
// открыта на время вызова агента и откатывается при его ошибке
// (кроме принудительного удаления).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gamepanel/internal/agentclient"
	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/repository"
	"github.com/bigkaa/gamepanel/internal/saga"
)

// maxIdentifierAttempts — число попыток подобрать свободные uuid/uuid_short.
const maxIdentifierAttempts = 8

// Prometheus-метрики саг создания/удаления.
var (
	serverSagaTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gp_server_saga_total",
		Help: "Результаты саг создания и удаления серверов.",
	}, []string{"operation", "outcome"})

	serverSagaDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gp_server_saga_duration_seconds",
		Help:    "Длительность саг создания и удаления серверов в секундах.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// TxStore — открытие транзакций хранилища.
type TxStore interface {
	BeginTx(ctx context.Context) (repository.Tx, error)
	RunInTx(ctx context.Context, fn func(tx repository.Tx) error) error
}

// AgentFactory — клиенты агентов по адресу и токену ноды.
type AgentFactory interface {
	ForNode(baseURL, token string) agentclient.API
}

// agentFor возвращает клиент агента ноды.
func agentFor(agents AgentFactory, node *model.Node) agentclient.API {
	return agents.ForNode(node.BaseURL, node.Token)
}

// CreateServerInput — параметры создания сервера.
type CreateServerInput struct {
	NodeID  int64
	OwnerID int64
	EggID   int64
	// AllocationID — адрес, который станет основным
	AllocationID *int64
	// AllocationIDs — дополнительные адреса
	AllocationIDs     []int64
	ExternalID        *string
	StartOnCompletion bool
	// SkipScripts — не запускать скрипт установки (сервер сразу рабочий)
	SkipScripts   bool
	Name          string
	Description   *string
	Limits        model.ServerLimits
	PinnedCPUs    []int32
	Startup       string
	Image         string
	Timezone      *string
	FeatureLimits model.FeatureLimits
}

// Validate проверяет поля входных данных.
func (in *CreateServerInput) Validate() error {
	var msgs []string

	lenBetween := func(field, v string, minLen, maxLen int) {
		n := utf8.RuneCountInString(v)
		if n < minLen || n > maxLen {
			msgs = append(msgs, fmt.Sprintf("%s: длина должна быть от %d до %d символов", field, minLen, maxLen))
		}
	}

	lenBetween("name", in.Name, 3, 255)
	if in.Description != nil {
		lenBetween("description", *in.Description, 0, 1024)
	}
	if in.ExternalID != nil {
		lenBetween("external_id", *in.ExternalID, 1, 255)
	}
	lenBetween("startup", in.Startup, 1, 255)
	lenBetween("image", in.Image, 2, 255)

	if in.Timezone != nil {
		if _, err := time.LoadLocation(*in.Timezone); err != nil || *in.Timezone == "" {
			msgs = append(msgs, fmt.Sprintf("timezone: неизвестный часовой пояс %q", *in.Timezone))
		}
	}

	if in.Limits.CPU < 0 || in.Limits.Memory < 0 || in.Limits.Disk < 0 || in.Limits.Swap < -1 {
		msgs = append(msgs, "limits: значения не могут быть отрицательными (swap: -1 — без ограничения)")
	}
	if in.Limits.IOWeight != nil && (*in.Limits.IOWeight < 10 || *in.Limits.IOWeight > 1000) {
		msgs = append(msgs, "limits.io_weight: значение должно быть от 10 до 1000")
	}
	for _, cpu := range in.PinnedCPUs {
		if cpu < 0 {
			msgs = append(msgs, "pinned_cpus: номер ядра не может быть отрицательным")
			break
		}
	}
	fl := in.FeatureLimits
	if fl.Allocations < 0 || fl.Databases < 0 || fl.Backups < 0 || fl.Schedules < 0 {
		msgs = append(msgs, "feature_limits: значения не могут быть отрицательными")
	}

	return validationError(msgs)
}

// ServerService — саги жизненного цикла сервера и доступ к серверам.
type ServerService struct {
	store    TxStore
	servers  repository.ServerRepository
	nodes    repository.NodeRepository
	users    repository.UserRepository
	eggs     repository.EggRepository
	agents   AgentFactory
	activity *ActivityLogger
	newUUID  func() uuid.UUID
	logger   *slog.Logger
}

// NewServerService создаёт сервис серверов.
func NewServerService(
	store TxStore,
	servers repository.ServerRepository,
	nodes repository.NodeRepository,
	users repository.UserRepository,
	eggs repository.EggRepository,
	agents AgentFactory,
	activity *ActivityLogger,
	logger *slog.Logger,
) *ServerService {
	return &ServerService{
		store:    store,
		servers:  servers,
		nodes:    nodes,
		users:    users,
		eggs:     eggs,
		agents:   agents,
		activity: activity,
		newUUID:  uuid.New,
		logger:   logger.With(slog.String("component", "server_service")),
	}
}

// Create создаёт сервер: локальная запись, затем агент.
// Ошибка агента возвращается как *AgentError; созданная запись при этом
// удаляется, а если удалить не удалось — остаётся и только логируется.
func (s *ServerService) Create(ctx context.Context, in CreateServerInput) (*model.Server, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	node, err := s.nodes.GetByID(ctx, in.NodeID)
	if err != nil {
		return nil, notFound(err, "нода %d", in.NodeID)
	}
	if _, err := s.users.GetByID(ctx, in.OwnerID); err != nil {
		return nil, notFound(err, "владелец %d", in.OwnerID)
	}
	if _, err := s.eggs.GetByID(ctx, in.EggID); err != nil {
		return nil, notFound(err, "egg %d", in.EggID)
	}

	start := time.Now()
	defer func() {
		serverSagaDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
	}()

	agent := agentFor(s.agents, node)

	server, err := saga.CommitThenCall[repository.Tx, *model.Server]{
		Begin: s.store.BeginTx,
		Local: func(ctx context.Context, tx repository.Tx) (*model.Server, error) {
			return s.insert(ctx, tx, node, in)
		},
		Call: func(ctx context.Context, srv *model.Server) error {
			return agent.CreateServer(ctx, agentclient.CreateServerRequest{
				UUID:              srv.UUID,
				StartOnCompletion: in.StartOnCompletion,
				SkipScripts:       in.SkipScripts,
			})
		},
		Compensate: func(ctx context.Context, srv *model.Server) error {
			err := s.servers.Delete(ctx, srv.ID)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return err
		},
		OnCompensateError: func(srv *model.Server, err error) {
			serverSagaTotal.WithLabelValues("create", "compensation_failed").Inc()
			s.logger.Error("Не удалось удалить сервер после ошибки агента, запись осталась без workload",
				slog.Int64("server_id", srv.ID),
				slog.String("server_uuid", srv.UUID.String()),
				slog.Int64("node_id", node.ID),
				slog.String("error", err.Error()),
			)
		},
	}.Run(ctx)
	if err != nil {
		var callErr *saga.CallError
		if errors.As(err, &callErr) {
			serverSagaTotal.WithLabelValues("create", "agent_error").Inc()
			s.logger.Warn("Агент отклонил создание сервера",
				slog.Int64("node_id", node.ID),
				slog.String("error", callErr.Err.Error()),
			)
			return nil, agentFailure("создание сервера", callErr.Err)
		}
		serverSagaTotal.WithLabelValues("create", "local_error").Inc()
		return nil, err
	}

	serverSagaTotal.WithLabelValues("create", "ok").Inc()
	s.logger.Info("Сервер создан",
		slog.Int64("server_id", server.ID),
		slog.String("server_uuid", server.UUID.String()),
		slog.Int64("node_id", node.ID),
	)

	s.activity.Log(ctx, "admin:server.create", &server.ID, map[string]any{
		"server_uuid": server.UUID,
		"name":        server.Name,
		"node_id":     node.ID,
	})

	return server, nil
}

// insert выполняет локальную часть создания внутри транзакции tx.
func (s *ServerService) insert(ctx context.Context, tx repository.Tx, node *model.Node, in CreateServerInput) (*model.Server, error) {
	isCollision := func(err error) bool {
		return errors.Is(err, repository.ErrIdentifierCollision)
	}

	server, err := saga.Retry(ctx, maxIdentifierAttempts, isCollision,
		func(ctx context.Context, attempt int) (*model.Server, error) {
			srv := newServerRecord(s.newUUID(), node, in)
			err := tx.Savepoint(ctx, func(sp repository.Tx) error {
				return sp.Servers().Create(ctx, srv)
			})
			if err != nil {
				if isCollision(err) {
					s.logger.Debug("Коллизия идентификатора сервера, повтор",
						slog.Int("attempt", attempt),
						slog.String("server_uuid", srv.UUID.String()),
					)
				}
				return nil, err
			}
			return srv, nil
		})
	if err != nil {
		if errors.Is(err, saga.ErrAttemptsExhausted) {
			serverSagaTotal.WithLabelValues("create", "identifier_exhausted").Inc()
			s.logger.Error("Исчерпаны попытки сгенерировать идентификатор сервера",
				slog.Int("attempts", maxIdentifierAttempts),
				slog.Int64("node_id", node.ID),
			)
			return nil, fmt.Errorf("%w: %d попыток", ErrIdentifierCollisionExhausted, maxIdentifierAttempts)
		}
		return nil, mapRepositoryError(err)
	}

	var defaultID *int64
	if in.AllocationID != nil {
		sa, err := s.bindAllocation(ctx, tx, node, server, *in.AllocationID)
		if err != nil {
			return nil, err
		}
		defaultID = &sa.ID
	}
	for _, allocationID := range in.AllocationIDs {
		if in.AllocationID != nil && allocationID == *in.AllocationID {
			continue
		}
		if _, err := s.bindAllocation(ctx, tx, node, server, allocationID); err != nil {
			return nil, err
		}
	}

	if defaultID != nil {
		if err := tx.Servers().SetDefaultAllocation(ctx, server.ID, defaultID); err != nil {
			return nil, mapRepositoryError(err)
		}
		server.AllocationID = defaultID
	}

	return server, nil
}

// bindAllocation привязывает адрес ноды к серверу.
func (s *ServerService) bindAllocation(ctx context.Context, tx repository.Tx, node *model.Node, server *model.Server, allocationID int64) (*model.ServerAllocation, error) {
	alloc, err := tx.NodeAllocations().GetByID(ctx, allocationID)
	if err != nil {
		return nil, notFound(err, "адрес %d", allocationID)
	}
	if alloc.NodeID != node.ID {
		return nil, fmt.Errorf("%w: адрес %d не принадлежит ноде %d", ErrValidation, allocationID, node.ID)
	}

	sa := &model.ServerAllocation{ServerID: server.ID, AllocationID: allocationID}
	if err := tx.ServerAllocations().Create(ctx, sa); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: сервер с такими адресами уже существует", ErrConflict)
		}
		return nil, mapRepositoryError(err)
	}
	return sa, nil
}

// newServerRecord строит запись сервера для вставки.
func newServerRecord(id uuid.UUID, node *model.Node, in CreateServerInput) *model.Server {
	var status *model.ServerStatus
	if !in.SkipScripts {
		st := model.ServerStatusInstalling
		status = &st
	}
	return &model.Server{
		UUID:          id,
		UUIDShort:     model.ShortIDFromUUID(id),
		ExternalID:    in.ExternalID,
		NodeID:        node.ID,
		OwnerID:       in.OwnerID,
		EggID:         in.EggID,
		Name:          in.Name,
		Description:   in.Description,
		Status:        status,
		Limits:        in.Limits,
		FeatureLimits: in.FeatureLimits,
		PinnedCPUs:    in.PinnedCPUs,
		Startup:       in.Startup,
		Image:         in.Image,
		Timezone:      in.Timezone,
	}
}

// Delete удаляет сервер: запись удаляется в транзакции, затем агент.
// При ошибке агента без force транзакция откатывается и возвращается
// *AgentError; с force удаление фиксируется независимо от агента.
func (s *ServerService) Delete(ctx context.Context, server *model.Server, force bool) error {
	node, err := s.nodes.GetByID(ctx, server.NodeID)
	if err != nil {
		return notFound(err, "нода %d", server.NodeID)
	}

	start := time.Now()
	defer func() {
		serverSagaDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	}()

	agent := agentFor(s.agents, node)

	err = saga.CallThenDecide[repository.Tx]{
		Begin: s.store.BeginTx,
		Local: func(ctx context.Context, tx repository.Tx) error {
			return mapRepositoryError(tx.Servers().Delete(ctx, server.ID))
		},
		Call: func(ctx context.Context) error {
			return agent.DeleteServer(ctx, server.UUID)
		},
		Force: force,
		OnForcedCommit: func(callErr error) {
			serverSagaTotal.WithLabelValues("delete", "forced").Inc()
			s.logger.Warn("Сервер удалён принудительно, агент мог сохранить его данные",
				slog.Int64("server_id", server.ID),
				slog.String("server_uuid", server.UUID.String()),
				slog.Int64("node_id", node.ID),
				slog.String("error", callErr.Error()),
			)
		},
	}.Run(ctx)
	if err != nil {
		var callErr *saga.CallError
		if errors.As(err, &callErr) {
			serverSagaTotal.WithLabelValues("delete", "agent_error").Inc()
			return agentFailure("удаление сервера", callErr.Err)
		}
		serverSagaTotal.WithLabelValues("delete", "local_error").Inc()
		return err
	}

	serverSagaTotal.WithLabelValues("delete", "ok").Inc()
	s.logger.Info("Сервер удалён",
		slog.Int64("server_id", server.ID),
		slog.String("server_uuid", server.UUID.String()),
		slog.Bool("force", force),
	)

	s.activity.Log(ctx, "admin:server.delete", nil, map[string]any{
		"server_uuid": server.UUID,
		"name":        server.Name,
		"force":       force,
	})
	return nil
}

// Resolve находит сервер по идентификатору из URL:
// 8 символов — короткий hex-идентификатор, 36 — UUID, иначе числовой ID.
func (s *ServerService) Resolve(ctx context.Context, identifier string) (*model.Server, error) {
	var (
		server *model.Server
		err    error
	)

	switch len(identifier) {
	case 8:
		short, parseErr := strconv.ParseUint(identifier, 16, 32)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: сервер %s", ErrNotFound, identifier)
		}
		server, err = s.servers.GetByShortID(ctx, int32(uint32(short)))
	case 36:
		id, parseErr := uuid.Parse(identifier)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: сервер %s", ErrNotFound, identifier)
		}
		server, err = s.servers.GetByUUID(ctx, id)
	default:
		id, parseErr := strconv.ParseInt(identifier, 10, 64)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: сервер %s", ErrNotFound, identifier)
		}
		server, err = s.servers.GetByID(ctx, id)
	}
	if err != nil {
		return nil, notFound(err, "сервер %s", identifier)
	}
	return server, nil
}

// ResolveForUser находит сервер и заполняет грант субпользователя.
// Администратор и владелец получают сервер без гранта (полный доступ).
// Пользователь без доступа получает ErrNotFound, а не ErrForbidden.
func (s *ServerService) ResolveForUser(ctx context.Context, user *model.User, identifier string) (*model.Server, error) {
	server, err := s.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if user.Admin || server.OwnerID == user.ID {
		return server, nil
	}

	grant, err := s.servers.GetSubuserGrant(ctx, server.ID, user.ID)
	if err != nil {
		return nil, notFound(err, "сервер %s", identifier)
	}
	server.Subuser = grant
	return server, nil
}

// Node возвращает ноду сервера.
func (s *ServerService) Node(ctx context.Context, server *model.Server) (*model.Node, error) {
	node, err := s.nodes.GetByID(ctx, server.NodeID)
	if err != nil {
		return nil, notFound(err, "нода %d", server.NodeID)
	}
	return node, nil
}

// notFound переводит repository.ErrNotFound в ErrNotFound с описанием.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}

// mapRepositoryError переводит ошибки репозитория в ошибки сервиса.
func mapRepositoryError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err) //nolint:errorlint // намеренный двойной wrap
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrInUse):
		return fmt.Errorf("%w: %w", ErrConflict, err) //nolint:errorlint // намеренный двойной wrap
	default:
		return err
	}
}
