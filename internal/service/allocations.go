// allocations.go — пул сетевых адресов нод.
// Привязка адреса к серверу исключительна: второй привязке мешает
// уникальный индекс, удалению привязанного адреса — внешний ключ.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/repository"
)

// Ограничения пагинации списка адресов.
const (
	DefaultPerPage = 50
	MaxPerPage     = 100
)

// AllocationService — управление адресами нод.
type AllocationService struct {
	store       TxStore
	allocations repository.NodeAllocationRepository
	nodes       repository.NodeRepository
	logger      *slog.Logger
}

// NewAllocationService создаёт сервис адресов.
func NewAllocationService(
	store TxStore,
	allocations repository.NodeAllocationRepository,
	nodes repository.NodeRepository,
	logger *slog.Logger,
) *AllocationService {
	return &AllocationService{
		store:       store,
		allocations: allocations,
		nodes:       nodes,
		logger:      logger.With(slog.String("component", "allocation_service")),
	}
}

func validateEndpoint(ip netip.Addr, port int32, alias *string) error {
	var msgs []string
	if !ip.IsValid() {
		msgs = append(msgs, "ip: некорректный адрес")
	}
	if port < 1 || port > 65535 {
		msgs = append(msgs, fmt.Sprintf("port: значение %d вне диапазона 1-65535", port))
	}
	if alias != nil && (len(*alias) == 0 || len(*alias) > 255) {
		msgs = append(msgs, "ip_alias: длина должна быть от 1 до 255 символов")
	}
	return validationError(msgs)
}

// maxPortsPerRequest — предел числа портов в одном запросе на создание.
const maxPortsPerRequest = 1000

// ParsePorts разбирает список портов: "25565" или диапазон "25565-25570".
// Повторы удаляются с сохранением порядка.
func ParsePorts(specs []string) ([]int32, error) {
	seen := make(map[int32]struct{})
	var ports []int32
	add := func(p int32) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			ports = append(ports, p)
		}
	}

	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		lo, hi, isRange := strings.Cut(spec, "-")
		first, err := parsePort(lo)
		if err != nil {
			return nil, fmt.Errorf("%w: ports: %q: %w", ErrValidation, spec, err) //nolint:errorlint // намеренный двойной wrap
		}
		if !isRange {
			add(first)
			continue
		}
		last, err := parsePort(hi)
		if err != nil {
			return nil, fmt.Errorf("%w: ports: %q: %w", ErrValidation, spec, err) //nolint:errorlint // намеренный двойной wrap
		}
		if last < first {
			return nil, fmt.Errorf("%w: ports: %q: конец диапазона меньше начала", ErrValidation, spec)
		}
		if int(last-first)+1 > maxPortsPerRequest {
			return nil, fmt.Errorf("%w: ports: %q: не более %d портов в диапазоне", ErrValidation, spec, maxPortsPerRequest)
		}
		for p := first; p <= last; p++ {
			add(p)
		}
	}
	return ports, nil
}

func parsePort(s string) (int32, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, errors.New("некорректный порт")
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("порт %d вне диапазона 1-65535", n)
	}
	return int32(n), nil
}

// Create добавляет адрес ip:port на ноду.
func (s *AllocationService) Create(ctx context.Context, nodeID int64, ip netip.Addr, port int32, ipAlias *string) (*model.NodeAllocation, error) {
	if err := validateEndpoint(ip, port, ipAlias); err != nil {
		return nil, err
	}

	a := &model.NodeAllocation{NodeID: nodeID, IP: ip.Unmap(), IPAlias: ipAlias, Port: port}
	if err := s.allocations.Create(ctx, a); err != nil {
		return nil, mapRepositoryError(err)
	}

	s.logger.Info("Адрес добавлен",
		slog.Int64("node_id", nodeID),
		slog.String("ip", a.IP.String()),
		slog.Int("port", int(port)),
	)
	return a, nil
}

// CreateRange добавляет по адресу на каждый порт в одной транзакции:
// при конфликте любого порта не создаётся ни один.
func (s *AllocationService) CreateRange(ctx context.Context, nodeID int64, ip netip.Addr, ports []int32, ipAlias *string) ([]*model.NodeAllocation, error) {
	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: ports: список портов пуст", ErrValidation)
	}
	if len(ports) > maxPortsPerRequest {
		return nil, fmt.Errorf("%w: ports: не более %d портов за запрос", ErrValidation, maxPortsPerRequest)
	}
	for _, port := range ports {
		if err := validateEndpoint(ip, port, ipAlias); err != nil {
			return nil, err
		}
	}

	created := make([]*model.NodeAllocation, 0, len(ports))
	err := s.store.RunInTx(ctx, func(tx repository.Tx) error {
		for _, port := range ports {
			a := &model.NodeAllocation{NodeID: nodeID, IP: ip.Unmap(), IPAlias: ipAlias, Port: port}
			if err := tx.NodeAllocations().Create(ctx, a); err != nil {
				return mapRepositoryError(err)
			}
			created = append(created, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Диапазон адресов добавлен",
		slog.Int64("node_id", nodeID),
		slog.String("ip", ip.String()),
		slog.Int("count", len(created)),
	)
	return created, nil
}

// ListByNode возвращает страницу адресов ноды, упорядоченных по (ip, port).
func (s *AllocationService) ListByNode(ctx context.Context, nodeID int64, page, perPage int) (*model.Page[*model.NodeAllocation], error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page: значение должно быть не меньше 1", ErrValidation)
	}
	if perPage < 1 || perPage > MaxPerPage {
		return nil, fmt.Errorf("%w: per_page: значение должно быть от 1 до %d", ErrValidation, MaxPerPage)
	}

	if _, err := s.nodes.GetByID(ctx, nodeID); err != nil {
		return nil, notFound(err, "нода %d", nodeID)
	}

	items, total, err := s.allocations.ListByNode(ctx, nodeID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*model.NodeAllocation{}
	}

	return &model.Page[*model.NodeAllocation]{
		Items:   items,
		Total:   total,
		Page:    page,
		PerPage: perPage,
	}, nil
}

// DeleteByIDs удаляет адреса ноды одним запросом. Если хоть один
// адрес привязан к серверу, не удаляется ни один (ErrConflict).
func (s *AllocationService) DeleteByIDs(ctx context.Context, nodeID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: ids: список пуст", ErrValidation)
	}

	deleted, err := s.allocations.DeleteByIDs(ctx, nodeID, ids)
	if err != nil {
		return 0, mapRepositoryError(err)
	}

	s.logger.Info("Адреса удалены",
		slog.Int64("node_id", nodeID),
		slog.Int("requested", len(ids)),
		slog.Int64("deleted", deleted),
	)
	return deleted, nil
}
