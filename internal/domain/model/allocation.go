package model

import (
	"net/netip"
	"time"
)

// NodeAllocation — сетевой адрес (ip:port) ноды.
// Уникален в рамках (node_id, ip, port), после создания не изменяется.
type NodeAllocation struct {
	ID      int64
	NodeID  int64
	IP      netip.Addr
	IPAlias *string
	Port    int32

	CreatedAt time.Time
}

// ServerAllocation — привязка NodeAllocation к серверу.
// Одна NodeAllocation может быть привязана не более чем к одному серверу.
type ServerAllocation struct {
	ID           int64
	ServerID     int64
	AllocationID int64
	Notes        *string

	CreatedAt time.Time

	// Allocation — адрес, заполняется при чтении с JOIN
	Allocation *NodeAllocation
	// IsDefault — является ли привязка основной для сервера
	IsDefault bool
}

// Page — страница результатов постраничного запроса.
type Page[T any] struct {
	Items   []T
	Total   int
	Page    int
	PerPage int
}
