package model

import (
	"encoding/json"
	"net/netip"
	"time"
)

// ActivityEvent — запись журнала активности. Хранится в activity_logs.
type ActivityEvent struct {
	ID       int64
	Event    string
	UserID   *int64
	ServerID *int64
	// IP — адрес клиента, инициировавшего действие (может отсутствовать)
	IP   *netip.Addr
	Data json.RawMessage

	CreatedAt time.Time
}

// ServerBackup — резервная копия сервера. Хранится в server_backups.
type ServerBackup struct {
	ID         int64
	ServerID   int64
	Name       string
	Successful bool
	Bytes      int64
	Completed  *time.Time
	CreatedAt  time.Time
}
