// allocations.go — обработчики /api/admin/nodes/{node}/allocations.
package handlers

import (
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gamepanel/internal/api/errors"
	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/service"
)

type allocationResponse struct {
	ID        int64     `json:"id"`
	NodeID    int64     `json:"node_id"`
	IP        string    `json:"ip"`
	IPAlias   *string   `json:"ip_alias"`
	Port      int32     `json:"port"`
	CreatedAt time.Time `json:"created_at"`
}

func newAllocationResponse(a *model.NodeAllocation) allocationResponse {
	return allocationResponse{
		ID:        a.ID,
		NodeID:    a.NodeID,
		IP:        a.IP.String(),
		IPAlias:   a.IPAlias,
		Port:      a.Port,
		CreatedAt: a.CreatedAt,
	}
}

// createAllocationsRequest — тело POST. ports: "25565" или "25565-25570".
type createAllocationsRequest struct {
	IP      string   `json:"ip"`
	IPAlias *string  `json:"ip_alias"`
	Ports   []string `json:"ports"`
}

type deleteAllocationsRequest struct {
	IDs []int64 `json:"ids"`
}

// nodeIDParam разбирает {node}. При ошибке пишет 404 и возвращает false.
func nodeIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "node"), 10, 64)
	if err != nil || id < 1 {
		apierrors.NotFound(w, "Нода не найдена")
		return 0, false
	}
	return id, true
}

// ListAllocations — GET /api/admin/nodes/{node}/allocations?page=&per_page=.
func (h *APIHandler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := nodeIDParam(w, r)
	if !ok {
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		apierrors.ValidationError(w, "page: ожидается целое число")
		return
	}
	perPage, err := queryInt(r, "per_page", service.DefaultPerPage)
	if err != nil {
		apierrors.ValidationError(w, "per_page: ожидается целое число")
		return
	}

	result, err := h.allocations.ListByNode(r.Context(), nodeID, page, perPage)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения адресов ноды")
		return
	}

	data := make([]allocationResponse, 0, len(result.Items))
	for _, a := range result.Items {
		data = append(data, newAllocationResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    result.Total,
		"page":     result.Page,
		"per_page": result.PerPage,
		"data":     data,
	})
}

// CreateAllocations — POST /api/admin/nodes/{node}/allocations.
// Все порты создаются в одной транзакции.
func (h *APIHandler) CreateAllocations(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := nodeIDParam(w, r)
	if !ok {
		return
	}
	var req createAllocationsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ip, err := netip.ParseAddr(req.IP)
	if err != nil {
		apierrors.ValidationError(w, "ip: некорректный IP-адрес")
		return
	}
	ports, err := service.ParsePorts(req.Ports)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	created, err := h.allocations.CreateRange(r.Context(), nodeID, ip, ports, req.IPAlias)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка создания адресов ноды")
		return
	}

	data := make([]allocationResponse, 0, len(created))
	for _, a := range created {
		data = append(data, newAllocationResponse(a))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": data})
}

// DeleteAllocations — DELETE /api/admin/nodes/{node}/allocations.
// Если хоть один адрес привязан к серверу, не удаляется ни один.
func (h *APIHandler) DeleteAllocations(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := nodeIDParam(w, r)
	if !ok {
		return
	}
	var req deleteAllocationsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	deleted, err := h.allocations.DeleteByIDs(r.Context(), nodeID, req.IDs)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка удаления адресов ноды")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}
