// files.go — операции с файлами и консолью сервера через агента.
// Каждая операция проверяет право субпользователя и фильтр
// игнорируемых файлов до обращения к агенту.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bigkaa/gamepanel/internal/agentclient"
	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/domain/permission"
	"github.com/bigkaa/gamepanel/internal/repository"
)

// IgnoreFilter — проверка скрытых от субпользователя путей.
type IgnoreFilter interface {
	IsIgnored(server *model.Server, p string, isDir bool) bool
}

// maxWriteSize — максимальный размер файла, записываемого через панель.
const maxWriteSize = 16 << 20

// FileService — файлы и консоль сервера.
type FileService struct {
	nodes    repository.NodeRepository
	agents   AgentFactory
	filter   IgnoreFilter
	activity *ActivityLogger
	logger   *slog.Logger
}

// NewFileService создаёт сервис файловых операций.
func NewFileService(
	nodes repository.NodeRepository,
	agents AgentFactory,
	filter IgnoreFilter,
	activity *ActivityLogger,
	logger *slog.Logger,
) *FileService {
	return &FileService{
		nodes:    nodes,
		agents:   agents,
		filter:   filter,
		activity: activity,
		logger:   logger.With(slog.String("component", "file_service")),
	}
}

// authorize проверяет право и возвращает клиент агента ноды сервера.
func (s *FileService) authorize(ctx context.Context, server *model.Server, perm string) (agentclient.API, error) {
	if err := permission.HasPermission(server.Subuser, perm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrForbidden, err) //nolint:errorlint // намеренный двойной wrap
	}
	node, err := s.nodes.GetByID(ctx, server.NodeID)
	if err != nil {
		return nil, notFound(err, "нода %d", server.NodeID)
	}
	return agentFor(s.agents, node), nil
}

// ListDirectory возвращает страницу листинга каталога.
// Шаблоны игнорирования субпользователя передаются агенту.
func (s *FileService) ListDirectory(ctx context.Context, server *model.Server, directory string, page, perPage int) (*model.Page[agentclient.DirectoryEntry], error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page: значение должно быть не меньше 1", ErrValidation)
	}
	if perPage < 1 || perPage > MaxPerPage {
		return nil, fmt.Errorf("%w: per_page: значение должно быть от 1 до %d", ErrValidation, MaxPerPage)
	}

	agent, err := s.authorize(ctx, server, permission.FilesRead)
	if err != nil {
		return nil, err
	}

	if s.filter.IsIgnored(server, directory, true) {
		return nil, fmt.Errorf("%w: directory not found", ErrNotFound)
	}

	var ignored []string
	if server.Subuser != nil {
		ignored = server.Subuser.IgnoredFiles
	}

	listing, err := agent.ListDirectory(ctx, server.UUID, agentclient.ListDirectoryQuery{
		Directory: directory,
		Ignored:   ignored,
		PerPage:   perPage,
		Page:      page,
	})
	if err != nil {
		return nil, agentFailure("листинг каталога", err)
	}

	entries := listing.Entries
	if entries == nil {
		entries = []agentclient.DirectoryEntry{}
	}
	return &model.Page[agentclient.DirectoryEntry]{
		Items:   entries,
		Total:   listing.Total,
		Page:    page,
		PerPage: perPage,
	}, nil
}

// Decompress распаковывает архив root/file на стороне агента.
func (s *FileService) Decompress(ctx context.Context, server *model.Server, root, file string) error {
	if file == "" {
		return fmt.Errorf("%w: file: обязательное поле", ErrValidation)
	}

	agent, err := s.authorize(ctx, server, permission.FilesCreate)
	if err != nil {
		return err
	}

	if s.filter.IsIgnored(server, path.Join("/", root, file), false) {
		return fmt.Errorf("%w: file not found", ErrNotFound)
	}

	if err := agent.DecompressFile(ctx, server.UUID, agentclient.DecompressRequest{Root: root, File: file}); err != nil {
		return agentFailure("распаковка архива", err)
	}

	s.activity.Log(ctx, "server:file.decompress", &server.ID, map[string]any{
		"directory": root,
		"file":      file,
	})
	return nil
}

// ListPulls возвращает активные загрузки файлов по URL.
func (s *FileService) ListPulls(ctx context.Context, server *model.Server) ([]agentclient.Pull, error) {
	agent, err := s.authorize(ctx, server, permission.FilesRead)
	if err != nil {
		return nil, err
	}

	pulls, err := agent.ListPulls(ctx, server.UUID)
	if err != nil {
		return nil, agentFailure("список загрузок", err)
	}
	if pulls.Downloads == nil {
		return []agentclient.Pull{}, nil
	}
	return pulls.Downloads, nil
}

// PullInput — параметры загрузки файла по URL.
type PullInput struct {
	Root       string
	URL        string
	Name       *string
	UseHeader  bool
	Foreground bool
}

// Pull запускает загрузку файла по URL в каталог root.
func (s *FileService) Pull(ctx context.Context, server *model.Server, in PullInput) (uuid.UUID, error) {
	if err := validatePullURL(in.URL); err != nil {
		return uuid.Nil, err
	}
	if in.Name != nil && (*in.Name == "" || utf8.RuneCountInString(*in.Name) > 255) {
		return uuid.Nil, fmt.Errorf("%w: name: длина должна быть от 1 до 255 символов", ErrValidation)
	}

	agent, err := s.authorize(ctx, server, permission.FilesCreate)
	if err != nil {
		return uuid.Nil, err
	}

	if s.filter.IsIgnored(server, in.Root, true) {
		return uuid.Nil, fmt.Errorf("%w: root directory not found", ErrNotFound)
	}
	if in.Name != nil && s.filter.IsIgnored(server, path.Join("/", in.Root, *in.Name), false) {
		return uuid.Nil, fmt.Errorf("%w: root directory not found", ErrNotFound)
	}

	started, err := agent.PullFile(ctx, server.UUID, agentclient.PullRequest{
		Root:       in.Root,
		URL:        in.URL,
		FileName:   in.Name,
		UseHeader:  in.UseHeader,
		Foreground: in.Foreground,
	})
	if err != nil {
		return uuid.Nil, agentFailure("загрузка файла", err)
	}

	s.activity.Log(ctx, "server:file.pull", &server.ID, map[string]any{
		"identifier": started.Identifier,
		"directory":  in.Root,
		"url":        in.URL,
	})
	return started.Identifier, nil
}

func validatePullURL(raw string) error {
	if raw == "" || utf8.RuneCountInString(raw) > 2048 {
		return fmt.Errorf("%w: url: длина должна быть от 1 до 2048 символов", ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: url: ожидается абсолютный http(s) URL", ErrValidation)
	}
	return nil
}

// WriteFile записывает содержимое файла.
func (s *FileService) WriteFile(ctx context.Context, server *model.Server, file string, content []byte) error {
	if strings.TrimSpace(file) == "" {
		return fmt.Errorf("%w: file: обязательный параметр", ErrValidation)
	}
	if len(content) > maxWriteSize {
		return fmt.Errorf("%w: размер файла превышает %d байт", ErrValidation, maxWriteSize)
	}

	agent, err := s.authorize(ctx, server, permission.FilesUpdate)
	if err != nil {
		return err
	}

	if s.filter.IsIgnored(server, file, false) {
		return fmt.Errorf("%w: file not found", ErrNotFound)
	}

	if err := agent.WriteFile(ctx, server.UUID, file, content); err != nil {
		return agentFailure("запись файла", err)
	}

	s.activity.Log(ctx, "server:file.write", &server.ID, map[string]any{
		"file": file,
	})
	return nil
}

// SendCommand отправляет команду в консоль сервера.
func (s *FileService) SendCommand(ctx context.Context, server *model.Server, command string) error {
	if n := utf8.RuneCountInString(command); n < 1 || n > 1024 {
		return fmt.Errorf("%w: command: длина должна быть от 1 до 1024 символов", ErrValidation)
	}

	agent, err := s.authorize(ctx, server, permission.ControlConsole)
	if err != nil {
		return err
	}

	if err := agent.SendCommands(ctx, server.UUID, []string{command}); err != nil {
		return agentFailure("отправка команды", err)
	}

	s.activity.Log(ctx, "server:console.command", &server.ID, map[string]any{
		"command": command,
	})
	return nil
}
