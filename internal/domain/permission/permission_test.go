package permission

import (
	"errors"
	"slices"
	"testing"

	"github.com/bigkaa/gamepanel/internal/domain/model"
)

func TestHasPermission(t *testing.T) {
	grant := &model.SubuserGrant{Permissions: []string{FilesRead, ControlConsole}}

	tests := []struct {
		name    string
		grant   *model.SubuserGrant
		perm    string
		wantErr bool
	}{
		{name: "владелец — любое право", grant: nil, perm: FilesCreate},
		{name: "владелец — произвольная строка", grant: nil, perm: "anything.at.all"},
		{name: "субпользователь — право выдано", grant: grant, perm: FilesRead},
		{name: "субпользователь — право не выдано", grant: grant, perm: FilesCreate, wantErr: true},
		{name: "субпользователь — нет префиксного совпадения", grant: grant, perm: "files", wantErr: true},
		{name: "пустой список прав", grant: &model.SubuserGrant{}, perm: FilesRead, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := HasPermission(tt.grant, tt.perm)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HasPermission(%q) = %v, wantErr = %v", tt.perm, err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var denied *DeniedError
			if !errors.As(err, &denied) {
				t.Fatalf("ожидали *DeniedError, получили %T", err)
			}
			if denied.Permission != tt.perm {
				t.Errorf("Permission = %q, хотели %q", denied.Permission, tt.perm)
			}
			want := "у вас нет прав на это действие: " + tt.perm
			if err.Error() != want {
				t.Errorf("сообщение = %q, хотели %q", err.Error(), want)
			}
		})
	}
}

func TestAgentPermissions(t *testing.T) {
	admin := &model.User{ID: 1, Admin: true}
	regular := &model.User{ID: 2}
	grant := &model.SubuserGrant{Permissions: []string{FilesRead, WebsocketConnect}}

	tests := []struct {
		name  string
		user  *model.User
		grant *model.SubuserGrant
		want  []string
	}{
		{
			name: "администратор",
			user: admin,
			want: []string{WebsocketConnect, "*", "admin.websocket.errors", "admin.websocket.install", "admin.websocket.transfer"},
		},
		{
			name:  "администратор с грантом — права администратора",
			user:  admin,
			grant: grant,
			want:  []string{WebsocketConnect, "*", "admin.websocket.errors", "admin.websocket.install", "admin.websocket.transfer"},
		},
		{
			name:  "субпользователь — без дубликата websocket.connect",
			user:  regular,
			grant: grant,
			want:  []string{WebsocketConnect, FilesRead},
		},
		{
			name: "владелец",
			user: regular,
			want: []string{WebsocketConnect, "*"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AgentPermissions(tt.user, tt.grant)
			if !slices.Equal(got, tt.want) {
				t.Errorf("AgentPermissions() = %v, хотели %v", got, tt.want)
			}
		})
	}
}
