package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServerStatus — состояние установки/восстановления сервера.
// Отсутствие статуса (nil) означает, что сервер в рабочем состоянии.
type ServerStatus string

const (
	ServerStatusInstalling      ServerStatus = "installing"
	ServerStatusInstallFailed   ServerStatus = "install_failed"
	ServerStatusReinstallFailed ServerStatus = "reinstall_failed"
	ServerStatusRestoringBackup ServerStatus = "restoring_backup"
)

// Valid проверяет, что статус входит в перечисление server_status.
func (s ServerStatus) Valid() bool {
	switch s {
	case ServerStatusInstalling, ServerStatusInstallFailed,
		ServerStatusReinstallFailed, ServerStatusRestoringBackup:
		return true
	}
	return false
}

// ServerLimits — ресурсные лимиты контейнера сервера.
type ServerLimits struct {
	// CPU — лимит CPU в процентах (100 = одно ядро, 0 = без лимита)
	CPU int32
	// Memory — лимит памяти в МиБ
	Memory int64
	// Swap — лимит swap в МиБ (-1 = без лимита)
	Swap int64
	// Disk — лимит диска в МиБ
	Disk int64
	// IOWeight — вес блочного ввода-вывода (10-1000), nil = по умолчанию агента
	IOWeight *int16
}

// FeatureLimits — лимиты дополнительных возможностей сервера.
type FeatureLimits struct {
	Allocations int32
	Databases   int32
	Backups     int32
	Schedules   int32
}

// SubuserGrant — права субпользователя на конкретный сервер.
// Читается из server_subusers. Для владельца и администратора grant = nil,
// что означает полный доступ.
type SubuserGrant struct {
	// Permissions — разрешённые действия (files.read, control.console, ...)
	Permissions []string
	// IgnoredFiles — шаблоны скрытых файлов в синтаксисе gitignore
	IgnoredFiles []string
}

// Server — игровой сервер. Хранится в таблице servers.
type Server struct {
	ID int64
	// UUID — глобальный идентификатор, используется агентом
	UUID uuid.UUID
	// UUIDShort — первые 32 бита UUID, уникальны среди серверов
	UUIDShort int32
	// ExternalID — идентификатор во внешней биллинговой системе
	ExternalID *string

	NodeID  int64
	OwnerID int64
	EggID   int64
	// DestinationNodeID — целевая нода, задаётся только на время переноса
	DestinationNodeID *int64
	// AllocationID — основное подключение (server_allocations.id)
	AllocationID *int64

	Name        string
	Description *string
	// Status — nil означает рабочее состояние
	Status    *ServerStatus
	Suspended bool

	Limits        ServerLimits
	FeatureLimits FeatureLimits
	PinnedCPUs    []int32

	Startup  string
	Image    string
	Timezone *string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Subuser — grant текущего пользователя; не хранится в servers
	Subuser *SubuserGrant
}

// ShortUUID возвращает короткий идентификатор в виде 8 hex-символов.
func (s *Server) ShortUUID() string {
	return fmt.Sprintf("%08x", uint32(s.UUIDShort))
}

// ShortIDFromUUID выводит 32-битный короткий идентификатор из старших байт UUID.
func ShortIDFromUUID(id uuid.UUID) int32 {
	return int32(uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3]))
}
