// Пакет model — доменные модели панели управления игровыми серверами.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User — пользователь панели. Хранится в таблице users.
// Аутентификация выполняется внешним IdP, связь по ExternalID (sub токена).
type User struct {
	ID         int64
	UUID       uuid.UUID
	ExternalID string
	Username   string
	Email      string
	Admin      bool
	CreatedAt  time.Time
}

// Egg — шаблон рабочей нагрузки: образ, команда запуска.
type Egg struct {
	ID          int64
	UUID        uuid.UUID
	Name        string
	DockerImage string
	Startup     string
	CreatedAt   time.Time
}
