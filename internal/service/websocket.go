// websocket.go — выдача токенов для консоли сервера.
// Токен подписывается токеном ноды (HS256) и проверяется агентом.
package service

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/domain/permission"
	"github.com/bigkaa/gamepanel/internal/repository"
)

// websocketIssuer — issuer токенов консоли, ожидаемый агентом.
const websocketIssuer = "panel"

// WebsocketClaims — claims токена консоли.
type WebsocketClaims struct {
	jwt.RegisteredClaims
	UserUUID    uuid.UUID `json:"user_uuid"`
	ServerUUID  uuid.UUID `json:"server_uuid"`
	Permissions []string  `json:"permissions"`
}

// WebsocketCredentials — токен и адрес сокета агента.
type WebsocketCredentials struct {
	Token string
	URL   string
}

// WebsocketService выдаёт токены консоли.
type WebsocketService struct {
	nodes repository.NodeRepository
	ttl   time.Duration
	now   func() time.Time
}

// NewWebsocketService создаёт сервис токенов консоли.
func NewWebsocketService(nodes repository.NodeRepository, ttl time.Duration) *WebsocketService {
	return &WebsocketService{nodes: nodes, ttl: ttl, now: time.Now}
}

// Issue создаёт токен консоли для пользователя и сервера.
func (s *WebsocketService) Issue(ctx context.Context, user *model.User, server *model.Server) (*WebsocketCredentials, error) {
	node, err := s.nodes.GetByID(ctx, server.NodeID)
	if err != nil {
		return nil, notFound(err, "нода %d", server.NodeID)
	}

	socketURL, err := websocketURL(node.AgentURL(), server.UUID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	claims := WebsocketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    websocketIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        strconv.FormatInt(user.ID, 10),
		},
		UserUUID:    user.UUID,
		ServerUUID:  server.UUID,
		Permissions: permission.AgentPermissions(user, server.Subuser),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(node.Token))
	if err != nil {
		return nil, fmt.Errorf("подпись токена консоли: %w", err)
	}

	return &WebsocketCredentials{Token: token, URL: socketURL}, nil
}

// websocketURL строит адрес сокета: схема http→ws, https→wss.
func websocketURL(agentURL string, server uuid.UUID) (string, error) {
	u, err := url.Parse(agentURL)
	if err != nil {
		return "", fmt.Errorf("некорректный адрес агента %q: %w", agentURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/api/servers/" + server.String() + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}
