package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/service"
)

type stubAllocations struct {
	nodeID  int64
	ip      netip.Addr
	ports   []int32
	alias   *string
	ids     []int64
	page    int
	perPage int
	err     error
}

func (s *stubAllocations) CreateRange(_ context.Context, nodeID int64, ip netip.Addr, ports []int32, alias *string) ([]*model.NodeAllocation, error) {
	s.nodeID, s.ip, s.ports, s.alias = nodeID, ip, ports, alias
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*model.NodeAllocation, len(ports))
	for i, p := range ports {
		out[i] = &model.NodeAllocation{ID: int64(i + 1), NodeID: nodeID, IP: ip, Port: p}
	}
	return out, nil
}

func (s *stubAllocations) ListByNode(_ context.Context, nodeID int64, page, perPage int) (*model.Page[*model.NodeAllocation], error) {
	s.nodeID, s.page, s.perPage = nodeID, page, perPage
	alias := "mc.example.com"
	return &model.Page[*model.NodeAllocation]{
		Items: []*model.NodeAllocation{
			{ID: 1, IP: netip.MustParseAddr("10.0.0.1"), Port: 25565, IPAlias: &alias},
			{ID: 2, IP: netip.MustParseAddr("10.0.0.1"), Port: 25566},
		},
		Total: 2, Page: page, PerPage: perPage,
	}, nil
}

func (s *stubAllocations) DeleteByIDs(_ context.Context, nodeID int64, ids []int64) (int64, error) {
	s.nodeID, s.ids = nodeID, ids
	return int64(len(ids)), s.err
}

type stubServers struct {
	server *model.Server
	force  bool
	err    error
}

func (s *stubServers) Resolve(_ context.Context, identifier string) (*model.Server, error) {
	if identifier != s.server.UUID.String() {
		return nil, fmt.Errorf("%w: сервер %s", service.ErrNotFound, identifier)
	}
	return s.server, nil
}

func (s *stubServers) Delete(_ context.Context, _ *model.Server, force bool) error {
	s.force = force
	return s.err
}

type stubReconciler struct{ node *model.Node }

func (s *stubReconciler) Reset(_ context.Context, node *model.Node) (service.ResetResult, error) {
	s.node = node
	return service.ResetResult{ServersReset: 3, BackupsFailed: 1}, nil
}

type stubNodes struct{}

func (stubNodes) GetByID(_ context.Context, id int64) (*model.Node, error) {
	if id != 1 {
		return nil, errors.New("не найдена")
	}
	return &model.Node{ID: 1}, nil
}

type cliEnv struct {
	allocations *stubAllocations
	servers     *stubServers
	reconciler  *stubReconciler
	opened      int
	closed      int
}

func newCLIEnv() *cliEnv {
	return &cliEnv{
		allocations: &stubAllocations{},
		servers:     &stubServers{server: &model.Server{ID: 7, UUID: uuid.MustParse("0a1b2c3d-1111-4222-8333-444455556666")}},
		reconciler:  &stubReconciler{},
	}
}

// run выполняет panelctl с аргументами и возвращает вывод.
func (e *cliEnv) run(args ...string) (string, error) {
	var out bytes.Buffer
	opts := &options{
		out: &out,
		openApp: func(context.Context) (*app, error) {
			e.opened++
			return &app{
				allocations: e.allocations,
				servers:     e.servers,
				reconciler:  e.reconciler,
				nodes:       stubNodes{},
				close:       func() { e.closed++ },
			}, nil
		},
		migrate: func() (uint, error) { return 1, nil },
	}
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	return out.String(), err
}

func TestAllocationsCreate(t *testing.T) {
	env := newCLIEnv()

	out, err := env.run("allocations", "create", "--node", "1", "--ip", "10.0.0.5", "--alias", "mc", "25565-25567", "27015")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !slices.Equal(env.allocations.ports, []int32{25565, 25566, 25567, 27015}) {
		t.Errorf("порты = %v", env.allocations.ports)
	}
	if env.allocations.alias == nil || *env.allocations.alias != "mc" {
		t.Errorf("alias = %v, ожидался mc", env.allocations.alias)
	}
	if !strings.Contains(out, "Создано адресов: 4") {
		t.Errorf("вывод = %q", out)
	}
	if env.opened != 1 || env.closed != 1 {
		t.Errorf("открыто %d, закрыто %d, ожидалось по 1", env.opened, env.closed)
	}

	if _, err := env.run("allocations", "create", "--node", "1", "--ip", "10.0.0.5", "25565"); err != nil {
		t.Fatalf("create без alias: %v", err)
	}
	if env.allocations.alias != nil {
		t.Error("без --alias значение должно быть nil")
	}
}

func TestAllocationsCreate_InvalidArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "некорректный IP", args: []string{"allocations", "create", "--node", "1", "--ip", "10.0.0", "25565"}},
		{name: "некорректный порт", args: []string{"allocations", "create", "--node", "1", "--ip", "10.0.0.5", "0"}},
		{name: "нет --node", args: []string{"allocations", "create", "--ip", "10.0.0.5", "25565"}},
		{name: "нет портов", args: []string{"allocations", "create", "--node", "1", "--ip", "10.0.0.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newCLIEnv()
			if _, err := env.run(tt.args...); err == nil {
				t.Fatal("ожидалась ошибка")
			}
			if env.opened != 0 {
				t.Error("при ошибке аргументов подключение к БД не должно открываться")
			}
		})
	}
}

func TestAllocationsListAndDelete(t *testing.T) {
	env := newCLIEnv()

	out, err := env.run("allocations", "list", "--node", "1", "--page", "2", "--per-page", "10")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if env.allocations.page != 2 || env.allocations.perPage != 10 {
		t.Errorf("page = %d, per_page = %d", env.allocations.page, env.allocations.perPage)
	}
	if !strings.Contains(out, "mc.example.com") || !strings.Contains(out, "25566") {
		t.Errorf("таблица без адресов: %q", out)
	}

	out, err = env.run("--json", "allocations", "delete", "--node", "1", "4", "5")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil || resp.Deleted != 2 {
		t.Errorf("вывод JSON = %q (%v)", out, err)
	}
	if _, err := env.run("allocations", "delete", "--node", "1", "x"); err == nil {
		t.Error("нечисловой ID: ожидалась ошибка")
	}

	env.allocations.err = fmt.Errorf("%w: адрес привязан", service.ErrConflict)
	if _, err := env.run("allocations", "delete", "--node", "1", "4"); !errors.Is(err, service.ErrConflict) {
		t.Errorf("ожидалась ErrConflict, получено: %v", err)
	}
}

func TestServersDelete(t *testing.T) {
	env := newCLIEnv()

	out, err := env.run("servers", "delete", "--force", env.servers.server.UUID.String())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !env.servers.force {
		t.Error("--force не передан в сервис")
	}
	if !strings.Contains(out, "удалён") {
		t.Errorf("вывод = %q", out)
	}

	if _, err := env.run("servers", "delete", "ffffffff"); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("неизвестный сервер: ожидалась ErrNotFound, получено: %v", err)
	}
}

func TestNodesResetAndMigrate(t *testing.T) {
	env := newCLIEnv()

	out, err := env.run("nodes", "reset", "1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if env.reconciler.node == nil || env.reconciler.node.ID != 1 {
		t.Error("Reset вызван не для ноды 1")
	}
	if !strings.Contains(out, "Серверов сброшено: 3") {
		t.Errorf("вывод = %q", out)
	}
	if _, err := env.run("nodes", "reset", "2"); err == nil {
		t.Error("неизвестная нода: ожидалась ошибка")
	}

	out, err = env.run("migrate")
	if err != nil || !strings.Contains(out, "версии 1") {
		t.Errorf("migrate: вывод %q, ошибка %v", out, err)
	}
}
