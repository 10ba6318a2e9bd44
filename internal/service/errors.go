// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bigkaa/gamepanel/internal/agentclient"
)

var (
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся или занятый ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrForbidden — у пользователя нет нужного права на сервер.
	ErrForbidden = errors.New("доступ запрещён")
	// ErrIdentifierCollisionExhausted — не удалось подобрать свободный
	// идентификатор сервера за отведённое число попыток.
	ErrIdentifierCollisionExhausted = errors.New("не удалось сгенерировать уникальный идентификатор сервера")
)

// AgentError — агент ноды отклонил запрос или недоступен.
// Status и Message берутся из ответа агента без изменений.
type AgentError struct {
	Op      string
	Status  int
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s: агент вернул %d: %s", e.Op, e.Status, e.Message)
}

// agentFailure приводит ошибку клиента агента к *AgentError.
func agentFailure(op string, err error) error {
	if agentErr, ok := agentclient.AsError(err); ok {
		return &AgentError{Op: op, Status: agentErr.StatusCode, Message: agentErr.Message}
	}
	return &AgentError{Op: op, Status: agentclient.StatusTransportFailure, Message: err.Error()}
}

// validationError собирает сообщения по полям в одну ошибку.
func validationError(msgs []string) error {
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}
