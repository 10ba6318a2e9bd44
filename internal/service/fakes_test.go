package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/gamepanel/internal/agentclient"
	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- In-memory хранилище с транзакциями-снимками ---

// memData — изменяемая транзакциями часть данных.
type memData struct {
	nextID       int64
	servers      map[int64]*model.Server
	serverAllocs map[int64]*model.ServerAllocation
	nodeAllocs   map[int64]*model.NodeAllocation
}

func newMemData() *memData {
	return &memData{
		nextID:       1000,
		servers:      map[int64]*model.Server{},
		serverAllocs: map[int64]*model.ServerAllocation{},
		nodeAllocs:   map[int64]*model.NodeAllocation{},
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		nextID:       d.nextID,
		servers:      make(map[int64]*model.Server, len(d.servers)),
		serverAllocs: make(map[int64]*model.ServerAllocation, len(d.serverAllocs)),
		nodeAllocs:   make(map[int64]*model.NodeAllocation, len(d.nodeAllocs)),
	}
	for id, s := range d.servers {
		cp := *s
		c.servers[id] = &cp
	}
	for id, sa := range d.serverAllocs {
		cp := *sa
		c.serverAllocs[id] = &cp
	}
	for id, a := range d.nodeAllocs {
		cp := *a
		c.nodeAllocs[id] = &cp
	}
	return c
}

func (d *memData) id() int64 {
	d.nextID++
	return d.nextID
}

// memStore — фейк TxStore и репозиториев вне транзакции.
type memStore struct {
	mu   sync.Mutex
	data *memData

	nodes   map[int64]*model.Node
	users   map[int64]*model.User
	eggs    map[int64]*model.Egg
	grants  map[[2]int64]*model.SubuserGrant
	backups []*model.ServerBackup

	// Внедрение сбоев
	serverDeleteErr error
	resetErr        error
	backupsErr      error

	openTx int
}

func newMemStore() *memStore {
	return &memStore{
		data:   newMemData(),
		nodes:  map[int64]*model.Node{},
		users:  map[int64]*model.User{},
		eggs:   map[int64]*model.Egg{},
		grants: map[[2]int64]*model.SubuserGrant{},
	}
}

func (s *memStore) BeginTx(context.Context) (repository.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openTx++
	return &memTx{store: s, data: s.data.clone()}, nil
}

func (s *memStore) RunInTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *memStore) snapshot() *memData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// memTx — транзакция над копией данных. Savepoint — вложенная копия.
type memTx struct {
	store  *memStore
	parent *memTx
	data   *memData
	done   bool
}

func (t *memTx) Servers() repository.ServerRepository {
	return &memServerRepo{store: t.store, data: func() *memData { return t.data }}
}

func (t *memTx) ServerAllocations() repository.ServerAllocationRepository {
	return &memServerAllocRepo{store: t.store, data: func() *memData { return t.data }}
}

func (t *memTx) NodeAllocations() repository.NodeAllocationRepository {
	return &memNodeAllocRepo{data: func() *memData { return t.data }}
}

func (t *memTx) Savepoint(ctx context.Context, fn func(tx repository.Tx) error) error {
	nested := &memTx{store: t.store, parent: t, data: t.data.clone()}
	if err := fn(nested); err != nil {
		nested.done = true
		return err
	}
	return nested.Commit(ctx)
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return errors.New("транзакция уже завершена")
	}
	t.done = true
	if t.parent != nil {
		t.parent.data = t.data
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.data = t.data
	t.store.openTx--
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.parent == nil {
		t.store.mu.Lock()
		t.store.openTx--
		t.store.mu.Unlock()
	}
	return nil
}

// --- Репозитории ---

type memServerRepo struct {
	store *memStore
	data  func() *memData
	// autocommit — репозиторий вне транзакции (учитывает serverDeleteErr)
	autocommit bool
}

func (s *memStore) serverRepo() *memServerRepo {
	return &memServerRepo{store: s, data: s.snapshot, autocommit: true}
}

func (r *memServerRepo) Create(_ context.Context, srv *model.Server) error {
	d := r.data()
	for _, existing := range d.servers {
		if existing.UUID == srv.UUID {
			return fmt.Errorf("%w: servers_uuid_key", repository.ErrIdentifierCollision)
		}
		if existing.UUIDShort == srv.UUIDShort {
			return fmt.Errorf("%w: servers_uuid_short_key", repository.ErrIdentifierCollision)
		}
		if srv.ExternalID != nil && existing.ExternalID != nil && *existing.ExternalID == *srv.ExternalID {
			return fmt.Errorf("%w: external_id уже используется", repository.ErrConflict)
		}
	}
	if _, ok := r.store.nodes[srv.NodeID]; !ok {
		return fmt.Errorf("%w: node", repository.ErrNotFound)
	}
	if _, ok := r.store.users[srv.OwnerID]; !ok {
		return fmt.Errorf("%w: owner", repository.ErrNotFound)
	}
	if _, ok := r.store.eggs[srv.EggID]; !ok {
		return fmt.Errorf("%w: egg", repository.ErrNotFound)
	}
	srv.ID = d.id()
	srv.CreatedAt = time.Now()
	srv.UpdatedAt = srv.CreatedAt
	cp := *srv
	d.servers[srv.ID] = &cp
	return nil
}

func (r *memServerRepo) find(match func(*model.Server) bool) (*model.Server, error) {
	for _, s := range r.data().servers {
		if match(s) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memServerRepo) GetByID(_ context.Context, id int64) (*model.Server, error) {
	return r.find(func(s *model.Server) bool { return s.ID == id })
}

func (r *memServerRepo) GetByUUID(_ context.Context, id uuid.UUID) (*model.Server, error) {
	return r.find(func(s *model.Server) bool { return s.UUID == id })
}

func (r *memServerRepo) GetByShortID(_ context.Context, short int32) (*model.Server, error) {
	return r.find(func(s *model.Server) bool { return s.UUIDShort == short })
}

func (r *memServerRepo) Delete(_ context.Context, id int64) error {
	if r.autocommit && r.store.serverDeleteErr != nil {
		return r.store.serverDeleteErr
	}
	d := r.data()
	if _, ok := d.servers[id]; !ok {
		return repository.ErrNotFound
	}
	delete(d.servers, id)
	for saID, sa := range d.serverAllocs {
		if sa.ServerID == id {
			delete(d.serverAllocs, saID)
		}
	}
	return nil
}

func (r *memServerRepo) SetDefaultAllocation(_ context.Context, serverID int64, saID *int64) error {
	s, ok := r.data().servers[serverID]
	if !ok {
		return repository.ErrNotFound
	}
	s.AllocationID = saID
	return nil
}

func (r *memServerRepo) GetSubuserGrant(_ context.Context, serverID, userID int64) (*model.SubuserGrant, error) {
	g, ok := r.store.grants[[2]int64{serverID, userID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *memServerRepo) ResetRestoringBackup(_ context.Context, nodeID int64) (int64, error) {
	if r.store.resetErr != nil {
		return 0, r.store.resetErr
	}
	var n int64
	for _, s := range r.data().servers {
		if s.NodeID == nodeID && s.Status != nil && *s.Status == model.ServerStatusRestoringBackup {
			s.Status = nil
			n++
		}
	}
	return n, nil
}

type memServerAllocRepo struct {
	store *memStore
	data  func() *memData
}

func (r *memServerAllocRepo) Create(_ context.Context, sa *model.ServerAllocation) error {
	d := r.data()
	if _, ok := d.nodeAllocs[sa.AllocationID]; !ok {
		return fmt.Errorf("%w: allocation", repository.ErrNotFound)
	}
	if _, ok := d.servers[sa.ServerID]; !ok {
		return fmt.Errorf("%w: server", repository.ErrNotFound)
	}
	for _, existing := range d.serverAllocs {
		if existing.AllocationID == sa.AllocationID {
			return fmt.Errorf("%w: адрес уже привязан", repository.ErrConflict)
		}
	}
	sa.ID = d.id()
	sa.CreatedAt = time.Now()
	cp := *sa
	d.serverAllocs[sa.ID] = &cp
	return nil
}

func (r *memServerAllocRepo) ListByServer(_ context.Context, serverID int64) ([]*model.ServerAllocation, error) {
	d := r.data()
	var out []*model.ServerAllocation
	for _, sa := range d.serverAllocs {
		if sa.ServerID != serverID {
			continue
		}
		cp := *sa
		if s := d.servers[serverID]; s != nil && s.AllocationID != nil && *s.AllocationID == sa.ID {
			cp.IsDefault = true
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memNodeAllocRepo struct {
	data func() *memData
}

func (r *memNodeAllocRepo) Create(_ context.Context, a *model.NodeAllocation) error {
	d := r.data()
	for _, existing := range d.nodeAllocs {
		if existing.NodeID == a.NodeID && existing.IP == a.IP && existing.Port == a.Port {
			return fmt.Errorf("%w: %s:%d", repository.ErrConflict, a.IP, a.Port)
		}
	}
	a.ID = d.id()
	a.CreatedAt = time.Now()
	cp := *a
	d.nodeAllocs[a.ID] = &cp
	return nil
}

func (r *memNodeAllocRepo) GetByID(_ context.Context, id int64) (*model.NodeAllocation, error) {
	a, ok := r.data().nodeAllocs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memNodeAllocRepo) ListByNode(_ context.Context, nodeID int64, limit, offset int) ([]*model.NodeAllocation, int, error) {
	var all []*model.NodeAllocation
	for _, a := range r.data().nodeAllocs {
		if a.NodeID == nodeID {
			cp := *a
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if c := all[i].IP.Compare(all[j].IP); c != 0 {
			return c < 0
		}
		return all[i].Port < all[j].Port
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (r *memNodeAllocRepo) DeleteByIDs(_ context.Context, nodeID int64, ids []int64) (int64, error) {
	d := r.data()
	for _, sa := range d.serverAllocs {
		if slices.Contains(ids, sa.AllocationID) {
			return 0, fmt.Errorf("%w: адрес %d привязан к серверу", repository.ErrInUse, sa.AllocationID)
		}
	}
	var n int64
	for _, id := range ids {
		if a, ok := d.nodeAllocs[id]; ok && a.NodeID == nodeID {
			delete(d.nodeAllocs, id)
			n++
		}
	}
	return n, nil
}

type memNodeRepo struct{ store *memStore }

func (r *memNodeRepo) Create(_ context.Context, n *model.Node) error {
	r.store.nodes[n.ID] = n
	return nil
}

func (r *memNodeRepo) GetByID(_ context.Context, id int64) (*model.Node, error) {
	n, ok := r.store.nodes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return n, nil
}

func (r *memNodeRepo) GetByTokenID(_ context.Context, tokenID string) (*model.Node, error) {
	for _, n := range r.store.nodes {
		if n.TokenID == tokenID {
			return n, nil
		}
	}
	return nil, repository.ErrNotFound
}

type memUserRepo struct{ store *memStore }

func (r *memUserRepo) Create(_ context.Context, u *model.User) error {
	r.store.users[u.ID] = u
	return nil
}

func (r *memUserRepo) GetByID(_ context.Context, id int64) (*model.User, error) {
	u, ok := r.store.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (r *memUserRepo) GetByExternalID(_ context.Context, externalID string) (*model.User, error) {
	for _, u := range r.store.users {
		if u.ExternalID == externalID {
			return u, nil
		}
	}
	return nil, repository.ErrNotFound
}

type memEggRepo struct{ store *memStore }

func (r *memEggRepo) Create(_ context.Context, e *model.Egg) error {
	r.store.eggs[e.ID] = e
	return nil
}

func (r *memEggRepo) GetByID(_ context.Context, id int64) (*model.Egg, error) {
	e, ok := r.store.eggs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

type memBackupRepo struct{ store *memStore }

func (r *memBackupRepo) Create(_ context.Context, b *model.ServerBackup) error {
	b.ID = int64(len(r.store.backups) + 1)
	r.store.backups = append(r.store.backups, b)
	return nil
}

func (r *memBackupRepo) ListByServer(_ context.Context, serverID int64) ([]*model.ServerBackup, error) {
	var out []*model.ServerBackup
	for _, b := range r.store.backups {
		if b.ServerID == serverID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memBackupRepo) FailIncompleteByNode(_ context.Context, nodeID int64) (int64, error) {
	if r.store.backupsErr != nil {
		return 0, r.store.backupsErr
	}
	var n int64
	now := time.Now()
	for _, b := range r.store.backups {
		s := r.store.snapshot().servers[b.ServerID]
		if s == nil || s.NodeID != nodeID || b.Completed != nil {
			continue
		}
		b.Successful = false
		b.Completed = &now
		n++
	}
	return n, nil
}

type memActivityRepo struct {
	mu     sync.Mutex
	events []*model.ActivityEvent
	err    error
}

func (r *memActivityRepo) Create(_ context.Context, e *model.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	e.ID = int64(len(r.events) + 1)
	e.CreatedAt = time.Now()
	r.events = append(r.events, e)
	return nil
}

func (r *memActivityRepo) ListByServer(_ context.Context, serverID int64, limit int) ([]*model.ActivityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ActivityEvent
	for _, e := range r.events {
		if e.ServerID != nil && *e.ServerID == serverID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memActivityRepo) eventNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, e := range r.events {
		names = append(names, e.Event)
	}
	return names
}

// --- Фейковый агент ---

type fakeAgent struct {
	mu sync.Mutex

	createErr  error
	deleteErr  error
	commandErr error
	// block — вызовы DeleteServer ждут отмены контекста
	block bool

	created  []agentclient.CreateServerRequest
	deleted  []uuid.UUID
	commands [][]string
	listed   []agentclient.ListDirectoryQuery
	decomp   []agentclient.DecompressRequest
	pulls    []agentclient.PullRequest
	written  map[string][]byte
}

func (a *fakeAgent) CreateServer(_ context.Context, req agentclient.CreateServerRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, req)
	return a.createErr
}

func (a *fakeAgent) DeleteServer(ctx context.Context, server uuid.UUID) error {
	if a.block {
		<-ctx.Done()
		return &agentclient.Error{StatusCode: agentclient.StatusTransportFailure, Message: ctx.Err().Error()}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, server)
	return a.deleteErr
}

func (a *fakeAgent) SendCommands(_ context.Context, _ uuid.UUID, commands []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, commands)
	return a.commandErr
}

func (a *fakeAgent) ListDirectory(_ context.Context, _ uuid.UUID, q agentclient.ListDirectoryQuery) (*agentclient.DirectoryListing, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listed = append(a.listed, q)
	return &agentclient.DirectoryListing{
		Total:   1,
		Entries: []agentclient.DirectoryEntry{{Name: "server.properties", File: true}},
	}, nil
}

func (a *fakeAgent) DecompressFile(_ context.Context, _ uuid.UUID, req agentclient.DecompressRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decomp = append(a.decomp, req)
	return nil
}

func (a *fakeAgent) ListPulls(context.Context, uuid.UUID) (*agentclient.PullList, error) {
	return &agentclient.PullList{}, nil
}

func (a *fakeAgent) PullFile(_ context.Context, _ uuid.UUID, req agentclient.PullRequest) (*agentclient.PullStarted, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pulls = append(a.pulls, req)
	return &agentclient.PullStarted{Identifier: uuid.New()}, nil
}

func (a *fakeAgent) WriteFile(_ context.Context, _ uuid.UUID, file string, content []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.written == nil {
		a.written = map[string][]byte{}
	}
	a.written[file] = content
	return nil
}

func (a *fakeAgent) System(context.Context) (*agentclient.SystemInfo, error) {
	return &agentclient.SystemInfo{Version: "test"}, nil
}

type fakeAgentFactory struct {
	agent   *fakeAgent
	baseURL string
	token   string
}

func (f *fakeAgentFactory) ForNode(baseURL, token string) agentclient.API {
	f.baseURL = baseURL
	f.token = token
	return f.agent
}

// --- Окружение теста ---

type testEnv struct {
	store    *memStore
	agent    *fakeAgent
	factory  *fakeAgentFactory
	activity *memActivityRepo
	logger   *ActivityLogger

	node  *model.Node
	owner *model.User
	egg   *model.Egg
}

func newTestEnv() *testEnv {
	store := newMemStore()
	node := &model.Node{ID: 1, UUID: uuid.New(), Name: "node-1", BaseURL: "https://node1.example.com:8443", TokenID: "tokid", Token: "node-secret"}
	owner := &model.User{ID: 10, UUID: uuid.New(), Username: "owner"}
	egg := &model.Egg{ID: 100, UUID: uuid.New(), Name: "Paper"}
	store.nodes[node.ID] = node
	store.users[owner.ID] = owner
	store.eggs[egg.ID] = egg

	agent := &fakeAgent{}
	activity := &memActivityRepo{}
	return &testEnv{
		store:    store,
		agent:    agent,
		factory:  &fakeAgentFactory{agent: agent},
		activity: activity,
		logger:   NewActivityLogger(activity, nil, testLogger()),
		node:     node,
		owner:    owner,
		egg:      egg,
	}
}

func (e *testEnv) serverService() *ServerService {
	return NewServerService(
		e.store,
		e.store.serverRepo(),
		&memNodeRepo{store: e.store},
		&memUserRepo{store: e.store},
		&memEggRepo{store: e.store},
		e.factory,
		e.logger,
		testLogger(),
	)
}

func (e *testEnv) addAllocation(ip string, port int32) *model.NodeAllocation {
	a := &model.NodeAllocation{NodeID: e.node.ID, IP: netip.MustParseAddr(ip), Port: port}
	repo := &memNodeAllocRepo{data: e.store.snapshot}
	if err := repo.Create(context.Background(), a); err != nil {
		panic(err)
	}
	return a
}

func (e *testEnv) validInput() CreateServerInput {
	return CreateServerInput{
		NodeID:  e.node.ID,
		OwnerID: e.owner.ID,
		EggID:   e.egg.ID,
		Name:    "survival",
		Limits:  model.ServerLimits{CPU: 200, Memory: 4096, Disk: 10240},
		Startup: "java -jar server.jar",
		Image:   "ghcr.io/games/java:21",
	}
}
