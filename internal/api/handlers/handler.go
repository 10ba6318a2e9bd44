// handler.go — основной обработчик HTTP API панели.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/google/uuid"

	"github.com/bigkaa/gamepanel/internal/agentclient"
	apierrors "github.com/bigkaa/gamepanel/internal/api/errors"
	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/service"
)

// ServerManager — жизненный цикл и поиск серверов.
type ServerManager interface {
	Create(ctx context.Context, in service.CreateServerInput) (*model.Server, error)
	Delete(ctx context.Context, server *model.Server, force bool) error
	Resolve(ctx context.Context, identifier string) (*model.Server, error)
	ResolveForUser(ctx context.Context, user *model.User, identifier string) (*model.Server, error)
}

// AllocationManager — адреса нод.
type AllocationManager interface {
	CreateRange(ctx context.Context, nodeID int64, ip netip.Addr, ports []int32, ipAlias *string) ([]*model.NodeAllocation, error)
	ListByNode(ctx context.Context, nodeID int64, page, perPage int) (*model.Page[*model.NodeAllocation], error)
	DeleteByIDs(ctx context.Context, nodeID int64, ids []int64) (int64, error)
}

// FileManager — файловые операции и консоль сервера.
type FileManager interface {
	ListDirectory(ctx context.Context, server *model.Server, directory string, page, perPage int) (*model.Page[agentclient.DirectoryEntry], error)
	Decompress(ctx context.Context, server *model.Server, root, file string) error
	ListPulls(ctx context.Context, server *model.Server) ([]agentclient.Pull, error)
	Pull(ctx context.Context, server *model.Server, in service.PullInput) (uuid.UUID, error)
	WriteFile(ctx context.Context, server *model.Server, file string, content []byte) error
	SendCommand(ctx context.Context, server *model.Server, command string) error
}

// WebsocketIssuer — выдача токенов консоли.
type WebsocketIssuer interface {
	Issue(ctx context.Context, user *model.User, server *model.Server) (*service.WebsocketCredentials, error)
}

// NodeReconciler — согласование состояния ноды после перезапуска агента.
type NodeReconciler interface {
	Reset(ctx context.Context, node *model.Node) (service.ResetResult, error)
}

// APIHandler — обработчик API панели.
type APIHandler struct {
	health      *HealthHandler
	servers     ServerManager
	allocations AllocationManager
	files       FileManager
	websocket   WebsocketIssuer
	reconciler  NodeReconciler
	logger      *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	servers ServerManager,
	allocations AllocationManager,
	files FileManager,
	websocket WebsocketIssuer,
	reconciler NodeReconciler,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:      health,
		servers:     servers,
		allocations: allocations,
		files:       files,
		websocket:   websocket,
		reconciler:  reconciler,
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON читает тело запроса в dst. При ошибке пишет 400 и возвращает false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// queryInt читает целочисленный query-параметр, defaultVal если он не задан.
func queryInt(r *http.Request, name string, defaultVal int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(raw)
}

// writeServiceError приводит ошибку сервисного слоя к HTTP-ответу.
// msg — сообщение для лога и ответа при внутренней ошибке.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, msg string, attrs ...slog.Attr) {
	var agentErr *service.AgentError
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrForbidden):
		apierrors.Forbidden(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.As(err, &agentErr):
		h.writeAgentError(w, agentErr, attrs...)
	default:
		h.logger.LogAttrs(context.Background(), slog.LevelError, msg,
			append(attrs, slog.String("error", err.Error()))...)
		apierrors.InternalError(w, msg)
	}
}

// writeAgentError передаёт клиенту 404 и 417 агента как есть,
// остальные ответы агента скрываются за 500.
func (h *APIHandler) writeAgentError(w http.ResponseWriter, err *service.AgentError, attrs ...slog.Attr) {
	switch err.Status {
	case http.StatusNotFound, http.StatusExpectationFailed:
		apierrors.AgentError(w, err.Status, err.Message)
	default:
		h.logger.LogAttrs(context.Background(), slog.LevelError, "Ошибка агента ноды",
			append(attrs,
				slog.String("op", err.Op),
				slog.Int("agent_status", err.Status),
				slog.String("agent_message", err.Message),
			)...)
		apierrors.InternalError(w, "Агент ноды не смог выполнить запрос")
	}
}
