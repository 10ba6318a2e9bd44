// remote.go — обработчики /api/remote, вызываемые агентами нод.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/gamepanel/internal/api/errors"
	"github.com/bigkaa/gamepanel/internal/api/middleware"
)

// ResetServers — POST /api/remote/servers/reset.
// Агент вызывает после перезапуска: прерванные операции его ноды сбрасываются.
func (h *APIHandler) ResetServers(w http.ResponseWriter, r *http.Request) {
	node := middleware.NodeFromContext(r.Context())
	if node == nil {
		apierrors.Unauthorized(w, "Требуется токен ноды")
		return
	}

	if _, err := h.reconciler.Reset(r.Context(), node); err != nil {
		h.writeServiceError(w, err, "Ошибка согласования состояния ноды",
			slog.Int64("node_id", node.ID),
		)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
