// Пакет permission — проверка прав субпользователя на сервер
// и фильтр игнорируемых файлов.
//
// Правило: отсутствие гранта (nil) означает полный доступ владельца
// или администратора. Для субпользователя право выдано, только если
// строка права буквально присутствует в его списке.
package permission

import (
	"fmt"
	"slices"

	"github.com/bigkaa/gamepanel/internal/domain/model"
)

// Права, которые проверяет панель.
const (
	FilesRead        = "files.read"
	FilesCreate      = "files.create"
	FilesUpdate      = "files.update"
	ControlConsole   = "control.console"
	WebsocketConnect = "websocket.connect"
)

// DeniedError — у субпользователя нет требуемого права.
type DeniedError struct {
	Permission string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("у вас нет прав на это действие: %s", e.Permission)
}

// HasPermission возвращает nil, если право выдано, иначе *DeniedError.
func HasPermission(grant *model.SubuserGrant, perm string) error {
	if grant == nil {
		return nil
	}
	if slices.Contains(grant.Permissions, perm) {
		return nil
	}
	return &DeniedError{Permission: perm}
}

// AgentPermissions возвращает список прав, передаваемый агенту
// в токене websocket-консоли.
func AgentPermissions(user *model.User, grant *model.SubuserGrant) []string {
	switch {
	case user != nil && user.Admin:
		return []string{
			WebsocketConnect,
			"*",
			"admin.websocket.errors",
			"admin.websocket.install",
			"admin.websocket.transfer",
		}
	case grant != nil:
		perms := make([]string, 0, len(grant.Permissions)+1)
		perms = append(perms, WebsocketConnect)
		for _, p := range grant.Permissions {
			if p != WebsocketConnect {
				perms = append(perms, p)
			}
		}
		return perms
	default:
		return []string{WebsocketConnect, "*"}
	}
}
