package cli

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bigkaa/gamepanel/internal/service"
)

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Применить миграции схемы БД",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			version, err := opts.migrate()
			if err != nil {
				return err
			}
			if opts.json {
				return opts.printJSON(map[string]any{"version": version})
			}
			_, err = fmt.Fprintf(opts.out, "Схема БД на версии %d\n", version)
			return err
		},
	}
}

func newAllocationsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allocations",
		Short: "Адреса (ip:port) нод",
	}

	var (
		nodeID int64
		ip     string
		alias  string
	)
	create := &cobra.Command{
		Use:   "create <port|from-to>...",
		Short: "Добавить адреса на ноду",
		Long: `Добавляет адреса ip:port на ноду. Все порты создаются в одной транзакции:
если хотя бы один уже существует, не создаётся ни один.

Примеры:
  panelctl allocations create --node 1 --ip 10.0.0.5 25565
  panelctl allocations create --node 1 --ip 10.0.0.5 --alias mc.example.com 25565-25570 27015`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := netip.ParseAddr(ip)
			if err != nil {
				return fmt.Errorf("--ip: некорректный IP-адрес %q", ip)
			}
			ports, err := service.ParsePorts(args)
			if err != nil {
				return err
			}
			var ipAlias *string
			if cmd.Flags().Changed("alias") {
				ipAlias = &alias
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				created, err := a.allocations.CreateRange(ctx, nodeID, addr, ports, ipAlias)
				if err != nil {
					return err
				}
				if opts.json {
					return opts.printJSON(created)
				}
				_, err = fmt.Fprintf(opts.out, "Создано адресов: %d\n", len(created))
				return err
			})
		},
	}
	create.Flags().Int64Var(&nodeID, "node", 0, "ID ноды")
	create.Flags().StringVar(&ip, "ip", "", "IP-адрес")
	create.Flags().StringVar(&alias, "alias", "", "Отображаемое имя адреса")
	_ = create.MarkFlagRequired("node")
	_ = create.MarkFlagRequired("ip")

	var page, perPage int
	list := &cobra.Command{
		Use:   "list",
		Short: "Список адресов ноды",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.allocations.ListByNode(ctx, nodeID, page, perPage)
				if err != nil {
					return err
				}
				if opts.json {
					return opts.printJSON(result)
				}
				tw := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tIP\tPORT\tALIAS")
				for _, al := range result.Items {
					name := "-"
					if al.IPAlias != nil {
						name = *al.IPAlias
					}
					fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", al.ID, al.IP, al.Port, name)
				}
				fmt.Fprintf(tw, "\nСтраница %d, всего %d\n", result.Page, result.Total)
				return tw.Flush()
			})
		},
	}
	list.Flags().Int64Var(&nodeID, "node", 0, "ID ноды")
	list.Flags().IntVar(&page, "page", 1, "Номер страницы")
	list.Flags().IntVar(&perPage, "per-page", service.DefaultPerPage, "Размер страницы")
	_ = list.MarkFlagRequired("node")

	del := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Удалить адреса ноды",
		Long: `Удаляет адреса по ID. Если хотя бы один адрес привязан к серверу,
не удаляется ни один.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("некорректный ID адреса %q", arg)
				}
				ids = append(ids, id)
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				deleted, err := a.allocations.DeleteByIDs(ctx, nodeID, ids)
				if err != nil {
					return err
				}
				if opts.json {
					return opts.printJSON(map[string]any{"deleted": deleted})
				}
				_, err = fmt.Fprintf(opts.out, "Удалено адресов: %d\n", deleted)
				return err
			})
		},
	}
	del.Flags().Int64Var(&nodeID, "node", 0, "ID ноды")
	_ = del.MarkFlagRequired("node")

	cmd.AddCommand(create, list, del)
	return cmd
}

func newServersCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Серверы",
	}

	var force bool
	del := &cobra.Command{
		Use:   "delete <id|uuid|short-id>",
		Short: "Удалить сервер",
		Long: `Удаляет запись сервера и его workload на агенте ноды.

Без --force ошибка агента откатывает удаление. С --force запись удаляется
в любом случае, а данные на ноде могут остаться.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				server, err := a.servers.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.servers.Delete(ctx, server, force); err != nil {
					return err
				}
				if opts.json {
					return opts.printJSON(map[string]any{"uuid": server.UUID, "deleted": true})
				}
				_, err = fmt.Fprintf(opts.out, "Сервер %s удалён\n", server.UUID)
				return err
			})
		},
	}
	del.Flags().BoolVar(&force, "force", false, "Удалить запись даже при ошибке агента")

	cmd.AddCommand(del)
	return cmd
}

func newNodesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Ноды",
	}

	reset := &cobra.Command{
		Use:   "reset <node-id>",
		Short: "Сбросить состояние операций, прерванных перезапуском агента",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("некорректный ID ноды %q", args[0])
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				node, err := a.nodes.GetByID(ctx, nodeID)
				if err != nil {
					return fmt.Errorf("нода %d: %w", nodeID, err)
				}
				result, err := a.reconciler.Reset(ctx, node)
				if err != nil {
					return err
				}
				if opts.json {
					return opts.printJSON(map[string]any{
						"servers_reset":  result.ServersReset,
						"backups_failed": result.BackupsFailed,
					})
				}
				_, err = fmt.Fprintf(opts.out, "Серверов сброшено: %d, резервных копий завершено неудачей: %d\n",
					result.ServersReset, result.BackupsFailed)
				return err
			})
		},
	}

	cmd.AddCommand(reset)
	return cmd
}
