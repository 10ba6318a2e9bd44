package model

import (
	"time"

	"github.com/google/uuid"
)

// Node — хост с агентом, на котором исполняются серверы.
// Хранится в таблице nodes.
type Node struct {
	ID   int64
	UUID uuid.UUID
	Name string
	// Public — доступна ли нода для автоматического размещения
	Public bool
	// MaintenanceMessage — непустое значение переводит ноду в режим обслуживания
	MaintenanceMessage *string
	// BaseURL — адрес API агента (https://node1.example.com:8443)
	BaseURL string
	// PublicURL — адрес агента для браузера, если отличается от BaseURL
	PublicURL *string
	// TokenID — открытая часть токена ноды
	TokenID string
	// Token — секрет, которым агент и панель аутентифицируют друг друга
	Token string
	// Memory — доступная память в МиБ
	Memory int64
	// Disk — доступный диск в МиБ
	Disk int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentURL возвращает адрес агента, видимый клиентам.
func (n *Node) AgentURL() string {
	if n.PublicURL != nil && *n.PublicURL != "" {
		return *n.PublicURL
	}
	return n.BaseURL
}
