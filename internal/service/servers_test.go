package service

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/gamepanel/internal/agentclient"
	"github.com/bigkaa/gamepanel/internal/domain/model"
)

// seedServer добавляет сервер в хранилище в обход саги.
func (e *testEnv) seedServer(t *testing.T, id uuid.UUID) *model.Server {
	t.Helper()
	srv := &model.Server{
		UUID:      id,
		UUIDShort: model.ShortIDFromUUID(id),
		NodeID:    e.node.ID,
		OwnerID:   e.owner.ID,
		EggID:     e.egg.ID,
		Name:      "seed",
		Startup:   "./start.sh",
		Image:     "img",
	}
	if err := e.store.serverRepo().Create(context.Background(), srv); err != nil {
		t.Fatalf("seed сервера: %v", err)
	}
	return srv
}

func TestServerCreate_Success(t *testing.T) {
	env := newTestEnv()
	svc := env.serverService()

	primary := env.addAllocation("10.0.0.1", 25565)
	extra := env.addAllocation("10.0.0.1", 25566)

	in := env.validInput()
	in.AllocationID = &primary.ID
	in.AllocationIDs = []int64{primary.ID, extra.ID}
	in.StartOnCompletion = true

	srv, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	env.logger.Wait()

	if srv.Status == nil || *srv.Status != model.ServerStatusInstalling {
		t.Errorf("Status = %v, ожидалось installing", srv.Status)
	}
	if srv.UUIDShort != model.ShortIDFromUUID(srv.UUID) {
		t.Errorf("UUIDShort = %d не соответствует UUID %s", srv.UUIDShort, srv.UUID)
	}

	data := env.store.snapshot()
	if len(data.servers) != 1 {
		t.Fatalf("ожидался 1 сервер, получено %d", len(data.servers))
	}

	bound, _ := (&memServerAllocRepo{store: env.store, data: env.store.snapshot}).ListByServer(context.Background(), srv.ID)
	if len(bound) != 2 {
		t.Fatalf("ожидалось 2 привязки (дубликат основного пропущен), получено %d", len(bound))
	}
	var defaults int
	for _, sa := range bound {
		if sa.IsDefault {
			defaults++
			if sa.AllocationID != primary.ID {
				t.Errorf("основной адрес = %d, ожидался %d", sa.AllocationID, primary.ID)
			}
		}
	}
	if defaults != 1 {
		t.Errorf("основных привязок = %d, ожидалась 1", defaults)
	}

	if len(env.agent.created) != 1 {
		t.Fatalf("агент вызван %d раз, ожидался 1", len(env.agent.created))
	}
	req := env.agent.created[0]
	if req.UUID != srv.UUID || !req.StartOnCompletion || req.SkipScripts {
		t.Errorf("запрос агенту = %+v", req)
	}
	if env.factory.baseURL != env.node.BaseURL || env.factory.token != env.node.Token {
		t.Errorf("клиент агента создан для %q/%q", env.factory.baseURL, env.factory.token)
	}

	if names := env.activity.eventNames(); !slices.Equal(names, []string{"admin:server.create"}) {
		t.Errorf("события активности = %v", names)
	}
	if env.store.openTx != 0 {
		t.Errorf("незавершённых транзакций: %d", env.store.openTx)
	}
}

func TestServerCreate_DefaultAllocationInExtras(t *testing.T) {
	tests := []struct {
		name      string
		extras    func(primary, extra int64) []int64
		wantBound int
		wantErr   error
	}{
		{
			name:      "основной только в дополнительных",
			extras:    func(primary, _ int64) []int64 { return []int64{primary} },
			wantBound: 1,
		},
		{
			name:      "основной после дополнительного",
			extras:    func(primary, extra int64) []int64 { return []int64{extra, primary} },
			wantBound: 2,
		},
		{
			name:      "основной повторён дважды",
			extras:    func(primary, extra int64) []int64 { return []int64{primary, extra, primary} },
			wantBound: 2,
		},
		{
			name:    "повтор дополнительного адреса",
			extras:  func(primary, extra int64) []int64 { return []int64{extra, extra} },
			wantErr: ErrConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			primary := env.addAllocation("10.0.0.1", 25565)
			extra := env.addAllocation("10.0.0.1", 25566)

			in := env.validInput()
			in.AllocationID = &primary.ID
			in.AllocationIDs = tt.extras(primary.ID, extra.ID)

			srv, err := env.serverService().Create(context.Background(), in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ожидалась %v, получено: %v", tt.wantErr, err)
				}
				if n := len(env.store.snapshot().serverAllocs); n != 0 {
					t.Errorf("после отката осталось %d привязок", n)
				}
				return
			}
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			env.logger.Wait()

			bound, _ := (&memServerAllocRepo{store: env.store, data: env.store.snapshot}).ListByServer(context.Background(), srv.ID)
			if len(bound) != tt.wantBound {
				t.Fatalf("привязок = %d, ожидалось %d", len(bound), tt.wantBound)
			}
			for _, sa := range bound {
				if sa.IsDefault != (sa.AllocationID == primary.ID) {
					t.Errorf("привязка %d: IsDefault = %v", sa.AllocationID, sa.IsDefault)
				}
			}
			if srv.AllocationID == nil {
				t.Fatal("основной адрес не назначен")
			}
		})
	}
}

func TestServerCreate_SkipScriptsLeavesStatusEmpty(t *testing.T) {
	env := newTestEnv()
	in := env.validInput()
	in.SkipScripts = true

	srv, err := env.serverService().Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if srv.Status != nil {
		t.Errorf("Status = %v, ожидался nil", *srv.Status)
	}
	if !env.agent.created[0].SkipScripts {
		t.Error("агенту не передан skip_scripts")
	}
}

func TestServerCreate_IdentifierCollisionRetried(t *testing.T) {
	env := newTestEnv()
	taken := env.seedServer(t, uuid.New())

	svc := env.serverService()
	var calls int
	svc.newUUID = func() uuid.UUID {
		calls++
		if calls <= 2 {
			return taken.UUID
		}
		return uuid.New()
	}

	srv, err := svc.Create(context.Background(), env.validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if calls != 3 {
		t.Errorf("генераций UUID = %d, ожидалось 3", calls)
	}
	if srv.UUID == taken.UUID {
		t.Error("сервер получил занятый UUID")
	}
	if n := len(env.store.snapshot().servers); n != 2 {
		t.Errorf("серверов = %d, ожидалось 2", n)
	}
}

func TestServerCreate_IdentifierCollisionExhausted(t *testing.T) {
	env := newTestEnv()
	taken := env.seedServer(t, uuid.New())

	svc := env.serverService()
	var calls int
	svc.newUUID = func() uuid.UUID {
		calls++
		return taken.UUID
	}

	_, err := svc.Create(context.Background(), env.validInput())
	if !errors.Is(err, ErrIdentifierCollisionExhausted) {
		t.Fatalf("ожидалась ErrIdentifierCollisionExhausted, получено: %v", err)
	}
	if calls != maxIdentifierAttempts {
		t.Errorf("попыток = %d, ожидалось %d", calls, maxIdentifierAttempts)
	}
	if n := len(env.store.snapshot().servers); n != 1 {
		t.Errorf("серверов = %d, новая запись не должна сохраниться", n)
	}
	if len(env.agent.created) != 0 {
		t.Error("агент не должен вызываться")
	}
}

func TestServerCreate_AgentFailureCompensates(t *testing.T) {
	env := newTestEnv()
	env.agent.createErr = &agentclient.Error{StatusCode: http.StatusUnprocessableEntity, Message: "образ недоступен"}
	alloc := env.addAllocation("10.0.0.1", 25565)

	in := env.validInput()
	in.AllocationID = &alloc.ID

	_, err := env.serverService().Create(context.Background(), in)

	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("ожидалась *AgentError, получено: %v", err)
	}
	if agentErr.Status != http.StatusUnprocessableEntity || agentErr.Message != "образ недоступен" {
		t.Errorf("AgentError = %+v", agentErr)
	}

	data := env.store.snapshot()
	if len(data.servers) != 0 {
		t.Errorf("после компенсации серверов = %d, ожидалось 0", len(data.servers))
	}
	if len(data.serverAllocs) != 0 {
		t.Errorf("после компенсации привязок = %d, ожидалось 0", len(data.serverAllocs))
	}

	// Адрес снова свободен
	in.AllocationID = &alloc.ID
	env.agent.createErr = nil
	if _, err := env.serverService().Create(context.Background(), in); err != nil {
		t.Errorf("адрес не освободился после компенсации: %v", err)
	}
}

func TestServerCreate_CompensationFailureKeepsRow(t *testing.T) {
	env := newTestEnv()
	env.agent.createErr = errors.New("connection refused")
	env.store.serverDeleteErr = errors.New("база недоступна")

	_, err := env.serverService().Create(context.Background(), env.validInput())

	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("ожидалась исходная ошибка агента, получено: %v", err)
	}
	if agentErr.Status != agentclient.StatusTransportFailure {
		t.Errorf("Status = %d, ожидался %d", agentErr.Status, agentclient.StatusTransportFailure)
	}
	if n := len(env.store.snapshot().servers); n != 1 {
		t.Errorf("серверов = %d, запись должна остаться", n)
	}
}

func TestServerCreate_LocalFailures(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(env *testEnv, in *CreateServerInput)
		wantErr error
	}{
		{
			name:    "короткое имя",
			prepare: func(_ *testEnv, in *CreateServerInput) { in.Name = "ab" },
			wantErr: ErrValidation,
		},
		{
			name: "неизвестная нода",
			prepare: func(_ *testEnv, in *CreateServerInput) {
				in.NodeID = 999
			},
			wantErr: ErrNotFound,
		},
		{
			name: "адрес другой ноды",
			prepare: func(env *testEnv, in *CreateServerInput) {
				a := env.addAllocation("10.0.0.2", 27015)
				env.store.snapshot().nodeAllocs[a.ID].NodeID = 2
				in.AllocationID = &a.ID
			},
			wantErr: ErrValidation,
		},
		{
			name: "несуществующий адрес",
			prepare: func(_ *testEnv, in *CreateServerInput) {
				id := int64(424242)
				in.AllocationIDs = []int64{id}
			},
			wantErr: ErrNotFound,
		},
		{
			name: "адрес уже привязан",
			prepare: func(env *testEnv, in *CreateServerInput) {
				a := env.addAllocation("10.0.0.1", 25565)
				other, err := env.serverService().Create(context.Background(), CreateServerInput{
					NodeID: env.node.ID, OwnerID: env.owner.ID, EggID: env.egg.ID,
					Name: "other", Startup: "x", Image: "img", AllocationID: &a.ID,
				})
				if err != nil || other == nil {
					panic(err)
				}
				in.AllocationID = &a.ID
			},
			wantErr: ErrConflict,
		},
		{
			name: "external_id занят",
			prepare: func(env *testEnv, in *CreateServerInput) {
				ext := "billing-1"
				first := env.validInput()
				first.ExternalID = &ext
				if _, err := env.serverService().Create(context.Background(), first); err != nil {
					panic(err)
				}
				in.ExternalID = &ext
			},
			wantErr: ErrConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			in := env.validInput()
			tt.prepare(env, &in)
			before := len(env.store.snapshot().servers)
			calls := len(env.agent.created)

			_, err := env.serverService().Create(context.Background(), in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ожидалась %v, получено: %v", tt.wantErr, err)
			}
			if n := len(env.store.snapshot().servers); n != before {
				t.Errorf("серверов = %d, ожидалось %d", n, before)
			}
			if len(env.agent.created) != calls {
				t.Error("агент не должен вызываться при локальной ошибке")
			}
			if env.store.openTx != 0 {
				t.Errorf("незавершённых транзакций: %d", env.store.openTx)
			}
		})
	}
}

func TestServerDelete(t *testing.T) {
	agentDown := &agentclient.Error{StatusCode: http.StatusBadGateway, Message: "нода недоступна"}

	tests := []struct {
		name       string
		agentErr   error
		force      bool
		wantAgent  bool
		wantExists bool
	}{
		{name: "агент подтвердил", wantExists: false},
		{name: "ошибка агента — откат", agentErr: agentDown, wantAgent: true, wantExists: true},
		{name: "ошибка агента с force — удалено", agentErr: agentDown, force: true, wantExists: false},
		{name: "force при успешном агенте", force: true, wantExists: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.agent.deleteErr = tt.agentErr
			alloc := env.addAllocation("10.0.0.1", 25565)

			in := env.validInput()
			in.AllocationID = &alloc.ID
			svc := env.serverService()
			srv, err := svc.Create(context.Background(), in)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			err = svc.Delete(context.Background(), srv, tt.force)
			var agentErr *AgentError
			if gotAgent := errors.As(err, &agentErr); gotAgent != tt.wantAgent {
				t.Fatalf("ошибка = %v, ожидалась AgentError: %v", err, tt.wantAgent)
			}
			if !tt.wantAgent && err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if tt.wantAgent && agentErr.Status != http.StatusBadGateway {
				t.Errorf("Status = %d, ожидался 502", agentErr.Status)
			}

			data := env.store.snapshot()
			_, exists := data.servers[srv.ID]
			if exists != tt.wantExists {
				t.Errorf("сервер существует = %v, ожидалось %v", exists, tt.wantExists)
			}
			if !tt.wantExists && len(data.serverAllocs) != 0 {
				t.Error("привязки адресов должны удаляться вместе с сервером")
			}
			if len(env.agent.deleted) != 1 || env.agent.deleted[0] != srv.UUID {
				t.Errorf("агенту передано удаление %v", env.agent.deleted)
			}
			if env.store.openTx != 0 {
				t.Errorf("незавершённых транзакций: %d", env.store.openTx)
			}
		})
	}
}

func TestServerDelete_HungAgentRollsBack(t *testing.T) {
	env := newTestEnv()
	svc := env.serverService()
	srv, err := svc.Create(context.Background(), env.validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	env.agent.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = svc.Delete(ctx, srv, false)
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("ожидалась AgentError, получено: %v", err)
	}
	if _, ok := env.store.snapshot().servers[srv.ID]; !ok {
		t.Error("сервер удалён, хотя агент не ответил")
	}
	if env.store.openTx != 0 {
		t.Errorf("транзакция осталась открытой: %d", env.store.openTx)
	}
}

func TestServerResolve(t *testing.T) {
	env := newTestEnv()
	srv := env.seedServer(t, uuid.MustParse("0a1b2c3d-0000-4000-8000-000000000001"))
	svc := env.serverService()

	tests := []struct {
		name       string
		identifier string
		wantErr    error
	}{
		{name: "короткий идентификатор", identifier: "0a1b2c3d"},
		{name: "UUID", identifier: srv.UUID.String()},
		{name: "числовой ID", identifier: "1001"},
		{name: "неизвестный короткий", identifier: "ffffffff", wantErr: ErrNotFound},
		{name: "мусор", identifier: "not-a-server", wantErr: ErrNotFound},
		{name: "не hex", identifier: "zzzzzzzz", wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Resolve(context.Background(), tt.identifier)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ожидалась %v, получено: %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.identifier, err)
			}
			if got.ID != srv.ID {
				t.Errorf("найден сервер %d, ожидался %d", got.ID, srv.ID)
			}
		})
	}
}

func TestServerResolveForUser(t *testing.T) {
	env := newTestEnv()
	srv := env.seedServer(t, uuid.New())
	svc := env.serverService()

	subuser := &model.User{ID: 20, Username: "helper"}
	stranger := &model.User{ID: 30, Username: "stranger"}
	admin := &model.User{ID: 40, Username: "root", Admin: true}
	env.store.grants[[2]int64{srv.ID, subuser.ID}] = &model.SubuserGrant{
		Permissions:  []string{"files.read"},
		IgnoredFiles: []string{"*.log"},
	}

	tests := []struct {
		name      string
		user      *model.User
		wantErr   error
		wantGrant bool
	}{
		{name: "владелец", user: env.owner},
		{name: "администратор", user: admin},
		{name: "субпользователь", user: subuser, wantGrant: true},
		{name: "посторонний", user: stranger, wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.ResolveForUser(context.Background(), tt.user, srv.UUID.String())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ожидалась %v, получено: %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveForUser: %v", err)
			}
			if (got.Subuser != nil) != tt.wantGrant {
				t.Errorf("Subuser = %+v, ожидался грант: %v", got.Subuser, tt.wantGrant)
			}
		})
	}
}
