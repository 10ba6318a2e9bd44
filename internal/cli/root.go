// Пакет cli — команды panelctl для оператора панели.
// Работают напрямую с PostgreSQL и агентами, минуя HTTP API.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/bigkaa/gamepanel/internal/agentclient"
	"github.com/bigkaa/gamepanel/internal/config"
	"github.com/bigkaa/gamepanel/internal/database"
	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/repository"
	"github.com/bigkaa/gamepanel/internal/service"
)

type allocationManager interface {
	CreateRange(ctx context.Context, nodeID int64, ip netip.Addr, ports []int32, ipAlias *string) ([]*model.NodeAllocation, error)
	ListByNode(ctx context.Context, nodeID int64, page, perPage int) (*model.Page[*model.NodeAllocation], error)
	DeleteByIDs(ctx context.Context, nodeID int64, ids []int64) (int64, error)
}

type serverManager interface {
	Resolve(ctx context.Context, identifier string) (*model.Server, error)
	Delete(ctx context.Context, server *model.Server, force bool) error
}

type nodeReconciler interface {
	Reset(ctx context.Context, node *model.Node) (service.ResetResult, error)
}

type nodeLookup interface {
	GetByID(ctx context.Context, id int64) (*model.Node, error)
}

// app — зависимости команд, открытые на время одного запуска.
type app struct {
	allocations allocationManager
	servers     serverManager
	reconciler  nodeReconciler
	nodes       nodeLookup
	close       func()
}

// options — глобальные флаги и точки подмены для тестов.
type options struct {
	out     io.Writer
	json    bool
	openApp func(ctx context.Context) (*app, error)
	migrate func() (uint, error)
}

// NewRootCmd создаёт корневую команду panelctl.
func NewRootCmd(out io.Writer) *cobra.Command {
	return newRootCmd(&options{out: out, openApp: openApp, migrate: runMigrations})
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "panelctl",
		Short: "Операторский CLI панели игровых серверов",
		Long: `panelctl выполняет операции панели напрямую: миграции схемы,
управление адресами нод, удаление серверов и сброс состояния ноды.

Конфигурация читается из тех же переменных окружения GP_*, что и у панели.`,
		SilenceUsage: true,
		Version:      config.Version,
	}
	root.SetOut(opts.out)
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Вывод в формате JSON")

	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newAllocationsCmd(opts))
	root.AddCommand(newServersCmd(opts))
	root.AddCommand(newNodesCmd(opts))
	return root
}

// loadConfig читает конфигурацию и настраивает логирование в stderr.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("загрузка конфигурации: %w", err)
	}
	return cfg, config.SetupLogger(cfg), nil
}

func runMigrations() (uint, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return 0, err
	}
	if err := database.Migrate(cfg, logger); err != nil {
		return 0, err
	}
	version, _, err := database.MigrationVersion(cfg)
	return version, err
}

// openApp подключается к PostgreSQL и собирает сервисы так же, как панель.
// Журнал активности пишется только в БД.
func openApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	agents, err := agentclient.NewFactory(agentclient.Options{
		Timeout:    cfg.AgentTimeout,
		CACertPath: cfg.AgentCACertPath,
		UserAgent:  "panelctl/" + config.Version,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	store := repository.NewStore(pool)
	serverRepo := repository.NewServerRepository(pool)
	nodeRepo := repository.NewNodeRepository(pool)
	activity := service.NewActivityLogger(repository.NewActivityRepository(pool), nil, logger)

	return &app{
		allocations: service.NewAllocationService(store, repository.NewNodeAllocationRepository(pool), nodeRepo, logger),
		servers: service.NewServerService(store, serverRepo, nodeRepo,
			repository.NewUserRepository(pool), repository.NewEggRepository(pool), agents, activity, logger),
		reconciler: service.NewReconciliationService(serverRepo, repository.NewBackupRepository(pool), activity, logger),
		nodes:      nodeRepo,
		close: func() {
			activity.Wait()
			pool.Close()
		},
	}, nil
}

// withApp открывает зависимости, выполняет fn и закрывает их.
func (o *options) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := service.ContextWithActor(cmd.Context(), service.Actor{})
	a, err := o.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

// printJSON выводит v в формате JSON с отступами.
func (o *options) printJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
