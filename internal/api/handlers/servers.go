// servers.go — обработчики /api/admin/servers.
// Создание, просмотр и удаление серверов администратором.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/gamepanel/internal/api/errors"
	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/service"
)

type limitsJSON struct {
	CPU      int32  `json:"cpu"`
	Memory   int64  `json:"memory"`
	Swap     int64  `json:"swap"`
	Disk     int64  `json:"disk"`
	IOWeight *int16 `json:"io_weight,omitempty"`
}

type featureLimitsJSON struct {
	Allocations int32 `json:"allocations"`
	Databases   int32 `json:"databases"`
	Backups     int32 `json:"backups"`
	Schedules   int32 `json:"schedules"`
}

// createServerRequest — тело POST /api/admin/servers.
type createServerRequest struct {
	Name              string            `json:"name"`
	Description       *string           `json:"description"`
	ExternalID        *string           `json:"external_id"`
	NodeID            int64             `json:"node_id"`
	OwnerID           int64             `json:"owner_id"`
	EggID             int64             `json:"egg_id"`
	AllocationID      *int64            `json:"allocation_id"`
	AllocationIDs     []int64           `json:"allocation_ids"`
	StartOnCompletion bool              `json:"start_on_completion"`
	SkipScripts       bool              `json:"skip_scripts"`
	Limits            limitsJSON        `json:"limits"`
	FeatureLimits     featureLimitsJSON `json:"feature_limits"`
	PinnedCPUs        []int32           `json:"pinned_cpus"`
	Startup           string            `json:"startup"`
	Image             string            `json:"image"`
	Timezone          *string           `json:"timezone"`
}

func (req *createServerRequest) toInput() service.CreateServerInput {
	return service.CreateServerInput{
		NodeID:            req.NodeID,
		OwnerID:           req.OwnerID,
		EggID:             req.EggID,
		AllocationID:      req.AllocationID,
		AllocationIDs:     req.AllocationIDs,
		ExternalID:        req.ExternalID,
		StartOnCompletion: req.StartOnCompletion,
		SkipScripts:       req.SkipScripts,
		Name:              req.Name,
		Description:       req.Description,
		Limits: model.ServerLimits{
			CPU:      req.Limits.CPU,
			Memory:   req.Limits.Memory,
			Swap:     req.Limits.Swap,
			Disk:     req.Limits.Disk,
			IOWeight: req.Limits.IOWeight,
		},
		PinnedCPUs: req.PinnedCPUs,
		Startup:    req.Startup,
		Image:      req.Image,
		Timezone:   req.Timezone,
		FeatureLimits: model.FeatureLimits{
			Allocations: req.FeatureLimits.Allocations,
			Databases:   req.FeatureLimits.Databases,
			Backups:     req.FeatureLimits.Backups,
			Schedules:   req.FeatureLimits.Schedules,
		},
	}
}

// serverResponse — представление сервера в API.
type serverResponse struct {
	ID            int64             `json:"id"`
	UUID          uuid.UUID         `json:"uuid"`
	Identifier    string            `json:"identifier"`
	ExternalID    *string           `json:"external_id"`
	Name          string            `json:"name"`
	Description   *string           `json:"description"`
	Status        *string           `json:"status"`
	Suspended     bool              `json:"suspended"`
	NodeID        int64             `json:"node_id"`
	OwnerID       int64             `json:"owner_id"`
	EggID         int64             `json:"egg_id"`
	AllocationID  *int64            `json:"allocation_id"`
	Limits        limitsJSON        `json:"limits"`
	FeatureLimits featureLimitsJSON `json:"feature_limits"`
	PinnedCPUs    []int32           `json:"pinned_cpus"`
	Startup       string            `json:"startup"`
	Image         string            `json:"image"`
	Timezone      *string           `json:"timezone"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func newServerResponse(s *model.Server) serverResponse {
	resp := serverResponse{
		ID:           s.ID,
		UUID:         s.UUID,
		Identifier:   s.ShortUUID(),
		ExternalID:   s.ExternalID,
		Name:         s.Name,
		Description:  s.Description,
		Suspended:    s.Suspended,
		NodeID:       s.NodeID,
		OwnerID:      s.OwnerID,
		EggID:        s.EggID,
		AllocationID: s.AllocationID,
		Limits: limitsJSON{
			CPU:      s.Limits.CPU,
			Memory:   s.Limits.Memory,
			Swap:     s.Limits.Swap,
			Disk:     s.Limits.Disk,
			IOWeight: s.Limits.IOWeight,
		},
		FeatureLimits: featureLimitsJSON{
			Allocations: s.FeatureLimits.Allocations,
			Databases:   s.FeatureLimits.Databases,
			Backups:     s.FeatureLimits.Backups,
			Schedules:   s.FeatureLimits.Schedules,
		},
		PinnedCPUs: s.PinnedCPUs,
		Startup:    s.Startup,
		Image:      s.Image,
		Timezone:   s.Timezone,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	if s.Status != nil {
		status := string(*s.Status)
		resp.Status = &status
	}
	if resp.PinnedCPUs == nil {
		resp.PinnedCPUs = []int32{}
	}
	return resp
}

// CreateServer — POST /api/admin/servers.
func (h *APIHandler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == 0 || req.OwnerID == 0 || req.EggID == 0 {
		apierrors.ValidationError(w, "node_id, owner_id и egg_id обязательны")
		return
	}

	server, err := h.servers.Create(r.Context(), req.toInput())
	if err != nil {
		h.writeServiceError(w, err, "Ошибка создания сервера",
			slog.Int64("node_id", req.NodeID),
		)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"server": newServerResponse(server)})
}

// GetServer — GET /api/admin/servers/{server}.
func (h *APIHandler) GetServer(w http.ResponseWriter, r *http.Request) {
	server, err := h.servers.Resolve(r.Context(), chi.URLParam(r, "server"))
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения сервера")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": newServerResponse(server)})
}

// DeleteServer — DELETE /api/admin/servers/{server}?force=.
// С force=true запись удаляется, даже если агент вернул ошибку.
func (h *APIHandler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			apierrors.ValidationError(w, "force: ожидается true или false")
			return
		}
		force = v
	}

	server, err := h.servers.Resolve(r.Context(), chi.URLParam(r, "server"))
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения сервера")
		return
	}

	if err := h.servers.Delete(r.Context(), server, force); err != nil {
		h.writeServiceError(w, err, "Ошибка удаления сервера",
			slog.String("server_uuid", server.UUID.String()),
		)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
