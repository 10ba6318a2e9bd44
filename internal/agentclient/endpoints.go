package agentclient

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CreateServerRequest — тело POST /api/servers.
type CreateServerRequest struct {
	UUID              uuid.UUID `json:"uuid"`
	StartOnCompletion bool      `json:"start_on_completion"`
	SkipScripts       bool      `json:"skip_scripts"`
}

// ListDirectoryQuery — параметры GET /api/servers/{uuid}/files/list.
type ListDirectoryQuery struct {
	Directory string
	// Шаблоны, которые агент должен скрыть из листинга
	Ignored []string
	PerPage int
	Page    int
}

// DirectoryEntry — элемент листинга каталога.
type DirectoryEntry struct {
	Name      string    `json:"name"`
	Created   time.Time `json:"created"`
	Modified  time.Time `json:"modified"`
	Mode      string    `json:"mode"`
	ModeBits  string    `json:"mode_bits"`
	Size      uint64    `json:"size"`
	Directory bool      `json:"directory"`
	File      bool      `json:"file"`
	Symlink   bool      `json:"symlink"`
	Mime      string    `json:"mime"`
}

// DirectoryListing — страница листинга каталога.
type DirectoryListing struct {
	Total   int              `json:"total"`
	Entries []DirectoryEntry `json:"entries"`
}

// DecompressRequest — тело POST /api/servers/{uuid}/files/decompress.
type DecompressRequest struct {
	Root string `json:"root"`
	File string `json:"file"`
}

// Pull — активная загрузка файла по URL.
type Pull struct {
	Identifier uuid.UUID `json:"identifier"`
	Progress   uint64    `json:"progress"`
	Total      uint64    `json:"total"`
}

// PullList — ответ GET /api/servers/{uuid}/files/pull.
type PullList struct {
	Downloads []Pull `json:"downloads"`
}

// PullRequest — тело POST /api/servers/{uuid}/files/pull.
type PullRequest struct {
	Root       string  `json:"root"`
	URL        string  `json:"url"`
	FileName   *string `json:"file_name,omitempty"`
	UseHeader  bool    `json:"use_header"`
	Foreground bool    `json:"foreground"`
}

// PullStarted — ответ POST /api/servers/{uuid}/files/pull.
type PullStarted struct {
	Identifier uuid.UUID `json:"identifier"`
}

// SystemInfo — ответ GET /api/system.
type SystemInfo struct {
	Architecture  string `json:"architecture"`
	CPUCount      int    `json:"cpu_count"`
	KernelVersion string `json:"kernel_version"`
	OS            string `json:"os"`
	Version       string `json:"version"`
}

func (c *client) CreateServer(ctx context.Context, req CreateServerRequest) error {
	body, err := jsonBody(req)
	if err != nil {
		return err
	}
	return c.do(ctx, request{
		operation:   "create_server",
		method:      http.MethodPost,
		path:        "/api/servers",
		body:        body,
		contentType: "application/json",
	}, nil)
}

func (c *client) DeleteServer(ctx context.Context, server uuid.UUID) error {
	return c.do(ctx, request{
		operation: "delete_server",
		method:    http.MethodDelete,
		path:      serverPath(server, ""),
	}, nil)
}

func (c *client) SendCommands(ctx context.Context, server uuid.UUID, commands []string) error {
	body, err := jsonBody(struct {
		Commands []string `json:"commands"`
	}{Commands: commands})
	if err != nil {
		return err
	}
	return c.do(ctx, request{
		operation:   "send_commands",
		method:      http.MethodPost,
		path:        serverPath(server, "/commands"),
		body:        body,
		contentType: "application/json",
	}, nil)
}

func (c *client) ListDirectory(ctx context.Context, server uuid.UUID, q ListDirectoryQuery) (*DirectoryListing, error) {
	query := url.Values{}
	query.Set("directory", q.Directory)
	for _, pattern := range q.Ignored {
		query.Add("ignored", pattern)
	}
	query.Set("per_page", strconv.Itoa(q.PerPage))
	query.Set("page", strconv.Itoa(q.Page))

	var listing DirectoryListing
	err := c.do(ctx, request{
		operation: "list_directory",
		method:    http.MethodGet,
		path:      serverPath(server, "/files/list"),
		query:     query,
	}, &listing)
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

func (c *client) DecompressFile(ctx context.Context, server uuid.UUID, req DecompressRequest) error {
	body, err := jsonBody(req)
	if err != nil {
		return err
	}
	return c.do(ctx, request{
		operation:   "decompress_file",
		method:      http.MethodPost,
		path:        serverPath(server, "/files/decompress"),
		body:        body,
		contentType: "application/json",
	}, nil)
}

func (c *client) ListPulls(ctx context.Context, server uuid.UUID) (*PullList, error) {
	var pulls PullList
	err := c.do(ctx, request{
		operation: "list_pulls",
		method:    http.MethodGet,
		path:      serverPath(server, "/files/pull"),
	}, &pulls)
	if err != nil {
		return nil, err
	}
	return &pulls, nil
}

func (c *client) PullFile(ctx context.Context, server uuid.UUID, req PullRequest) (*PullStarted, error) {
	body, err := jsonBody(req)
	if err != nil {
		return nil, err
	}
	var started PullStarted
	err = c.do(ctx, request{
		operation:   "pull_file",
		method:      http.MethodPost,
		path:        serverPath(server, "/files/pull"),
		body:        body,
		contentType: "application/json",
	}, &started)
	if err != nil {
		return nil, err
	}
	return &started, nil
}

// WriteFile передаёт содержимое файла как есть, без JSON-обёртки.
func (c *client) WriteFile(ctx context.Context, server uuid.UUID, file string, content []byte) error {
	return c.do(ctx, request{
		operation:   "write_file",
		method:      http.MethodPost,
		path:        serverPath(server, "/files/write"),
		query:       url.Values{"file": []string{file}},
		body:        bytes.NewReader(content),
		contentType: "application/octet-stream",
	}, nil)
}

func (c *client) System(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	err := c.do(ctx, request{
		operation: "system",
		method:    http.MethodGet,
		path:      "/api/system",
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}
