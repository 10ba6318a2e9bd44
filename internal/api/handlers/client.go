// client.go — обработчики /api/client/servers/{server}/...
// Файловые операции, консоль и токен websocket. Права субпользователя
// проверяются сервисным слоем.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gamepanel/internal/api/errors"
	"github.com/bigkaa/gamepanel/internal/api/middleware"
	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/service"
)

// maxWriteBody — предельный размер тела запроса записи файла.
const maxWriteBody = 16 << 20

// clientServer находит сервер из URL от имени текущего пользователя.
// При ошибке пишет ответ и возвращает nil.
func (h *APIHandler) clientServer(w http.ResponseWriter, r *http.Request) (*model.User, *model.Server) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return nil, nil
	}
	server, err := h.servers.ResolveForUser(r.Context(), user, chi.URLParam(r, "server"))
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения сервера")
		return nil, nil
	}
	return user, server
}

// ListFiles — GET /api/client/servers/{server}/files/list?directory=&page=&per_page=.
func (h *APIHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	_, server := h.clientServer(w, r)
	if server == nil {
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
	directory := r.URL.Query().Get("directory")
	if directory == "" {
		directory = "/"
	}

	listing, err := h.files.ListDirectory(r.Context(), server, directory, page, perPage)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка листинга каталога",
			slog.String("server_uuid", server.UUID.String()),
		)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": map[string]any{
			"total":    listing.Total,
			"page":     listing.Page,
			"per_page": listing.PerPage,
			"data":     listing.Items,
		},
	})
}

type decompressRequest struct {
	Root string `json:"root"`
	File string `json:"file"`
}

// DecompressFile — POST /api/client/servers/{server}/files/decompress.
func (h *APIHandler) DecompressFile(w http.ResponseWriter, r *http.Request) {
	_, server := h.clientServer(w, r)
	if server == nil {
		return
	}
	var req decompressRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.files.Decompress(r.Context(), server, req.Root, req.File); err != nil {
		h.writeServiceError(w, err, "Ошибка распаковки архива",
			slog.String("server_uuid", server.UUID.String()),
		)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPulls — GET /api/client/servers/{server}/files/pull.
func (h *APIHandler) ListPulls(w http.ResponseWriter, r *http.Request) {
	_, server := h.clientServer(w, r)
	if server == nil {
		return
	}
	pulls, err := h.files.ListPulls(r.Context(), server)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения списка загрузок",
			slog.String("server_uuid", server.UUID.String()),
		)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pulls": pulls})
}

type pullRequest struct {
	Root       string  `json:"root"`
	URL        string  `json:"url"`
	FileName   *string `json:"file_name"`
	UseHeader  bool    `json:"use_header"`
	Foreground bool    `json:"foreground"`
}

// PullFile — POST /api/client/servers/{server}/files/pull.
func (h *APIHandler) PullFile(w http.ResponseWriter, r *http.Request) {
	_, server := h.clientServer(w, r)
	if server == nil {
		return
	}
	var req pullRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := h.files.Pull(r.Context(), server, service.PullInput{
		Root:       req.Root,
		URL:        req.URL,
		Name:       req.FileName,
		UseHeader:  req.UseHeader,
		Foreground: req.Foreground,
	})
	if err != nil {
		h.writeServiceError(w, err, "Ошибка запуска загрузки файла",
			slog.String("server_uuid", server.UUID.String()),
		)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"identifier": id})
}

// WriteFile — POST /api/client/servers/{server}/files/write?file=.
// Тело запроса — содержимое файла.
func (h *APIHandler) WriteFile(w http.ResponseWriter, r *http.Request) {
	_, server := h.clientServer(w, r)
	if server == nil {
		return
	}

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWriteBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.TooLarge(w, "Размер файла превышает 16 МиБ")
			return
		}
		apierrors.ValidationError(w, "Не удалось прочитать тело запроса")
		return
	}

	if err := h.files.WriteFile(r.Context(), server, r.URL.Query().Get("file"), content); err != nil {
		h.writeServiceError(w, err, "Ошибка записи файла",
			slog.String("server_uuid", server.UUID.String()),
		)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commandRequest struct {
	Command string `json:"command"`
}

// SendCommand — POST /api/client/servers/{server}/command.
func (h *APIHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	_, server := h.clientServer(w, r)
	if server == nil {
		return
	}
	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.files.SendCommand(r.Context(), server, req.Command); err != nil {
		h.writeServiceError(w, err, "Ошибка отправки команды",
			slog.String("server_uuid", server.UUID.String()),
		)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// Websocket — GET /api/client/servers/{server}/websocket.
// Возвращает токен и адрес сокета агента.
func (h *APIHandler) Websocket(w http.ResponseWriter, r *http.Request) {
	user, server := h.clientServer(w, r)
	if server == nil {
		return
	}

	creds, err := h.websocket.Issue(r.Context(), user, server)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка выдачи токена консоли",
			slog.String("server_uuid", server.UUID.String()),
		)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": creds.Token,
		"url":   creds.URL,
	})
}
