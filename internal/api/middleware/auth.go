// auth.go — аутентификация запросов к панели.
// Пользователи: JWT внешнего IdP (RS256, ключи из JWKS), sub связывается
// с users.external_id. Агенты нод: Bearer <token_id>.<token>.
package middleware

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/gamepanel/internal/api/errors"
	"github.com/bigkaa/gamepanel/internal/domain/model"
	"github.com/bigkaa/gamepanel/internal/repository"
	"github.com/bigkaa/gamepanel/internal/service"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyUser — аутентифицированный пользователь панели.
	ContextKeyUser contextKey = "user"
	// ContextKeyNode — нода, аутентифицированная токеном агента.
	ContextKeyNode contextKey = "node"
)

// UserLookup — поиск пользователя по sub токена IdP.
type UserLookup interface {
	GetByExternalID(ctx context.Context, externalID string) (*model.User, error)
}

// NodeLookup — поиск ноды по открытой части токена.
type NodeLookup interface {
	GetByTokenID(ctx context.Context, tokenID string) (*model.Node, error)
}

// JWTAuth — middleware для JWT-аутентификации пользователей через JWKS.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	users     UserLookup
	logger    *slog.Logger
	issuer    string
	jwtLeeway time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS внешнего IdP.
// caCertPath — опциональный путь к CA-сертификату для TLS.
// jwksClientTimeout — таймаут HTTP-клиента JWKS (GP_JWKS_CLIENT_TIMEOUT).
// jwksRefreshInterval — интервал обновления ключей (GP_JWKS_REFRESH_INTERVAL).
// jwtLeeway — допустимое отклонение времени (GP_JWT_LEEWAY).
func NewJWTAuth(
	jwksURL string,
	caCertPath string,
	issuer string,
	users UserLookup,
	jwksClientTimeout time.Duration,
	jwksRefreshInterval time.Duration,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	httpClient := &http.Client{Timeout: jwksClientTimeout}
	if caCertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(caCertPath, jwksClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", caCertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	// NoErrorReturnFirstHTTPReq — стартуем даже если IdP ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	auth := NewJWTAuthWithKeyfunc(k, issuer, users, logger)
	auth.jwtLeeway = jwtLeeway
	return auth, nil
}

// httpClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    caCertPool,
				MinVersion: tls.VersionTLS12,
			},
		},
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, users UserLookup, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:   kf,
		users:  users,
		logger: logger.With(slog.String("component", "jwt_auth")),
		issuer: issuer,
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Валидирует подпись (RS256), находит пользователя по sub и помещает
// его в контекст вместе с инициатором для журнала активности.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(w, r)
			if !ok {
				return
			}

			claims := &jwt.RegisteredClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			if claims.Subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			user, err := j.users.GetByExternalID(r.Context(), claims.Subject)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					apierrors.Unauthorized(w, "Пользователь не зарегистрирован в панели")
					return
				}
				j.logger.Error("Ошибка поиска пользователя",
					slog.String("sub", claims.Subject),
					slog.String("error", err.Error()),
				)
				apierrors.InternalError(w, "Внутренняя ошибка сервера")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyUser, user)
			ctx = service.ContextWithActor(ctx, service.Actor{UserID: &user.ID, IP: clientIP(r)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken извлекает токен из заголовка Authorization.
// При ошибке пишет 401 и возвращает false.
func bearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
		return "", false
	}

	if parts[1] == "" {
		apierrors.Unauthorized(w, "Пустой Bearer token")
		return "", false
	}
	return parts[1], true
}

// clientIP извлекает адрес клиента из RemoteAddr
// (chi middleware.RealIP подставляет X-Forwarded-For заранее).
func clientIP(r *http.Request) *netip.Addr {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	addr = addr.Unmap()
	return &addr
}

// RequireAdmin пропускает только администраторов панели.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil {
			apierrors.Unauthorized(w, "Пользователь не аутентифицирован")
			return
		}
		if !user.Admin {
			apierrors.Forbidden(w, "Недостаточно прав: требуется администратор")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NodeAuth — аутентификация агентов нод по токену вида <token_id>.<token>.
type NodeAuth struct {
	nodes  NodeLookup
	logger *slog.Logger
}

// NewNodeAuth создаёт middleware аутентификации агентов.
func NewNodeAuth(nodes NodeLookup, logger *slog.Logger) *NodeAuth {
	return &NodeAuth{nodes: nodes, logger: logger.With(slog.String("component", "node_auth"))}
}

// Middleware возвращает HTTP middleware, помещающее ноду в контекст.
func (a *NodeAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(w, r)
			if !ok {
				return
			}

			tokenID, secret, found := strings.Cut(raw, ".")
			if !found || tokenID == "" || secret == "" {
				apierrors.Unauthorized(w, "Неверный формат токена ноды: ожидается <token_id>.<token>")
				return
			}

			node, err := a.nodes.GetByTokenID(r.Context(), tokenID)
			if err != nil {
				if !errors.Is(err, repository.ErrNotFound) {
					a.logger.Error("Ошибка поиска ноды по токену",
						slog.String("error", err.Error()),
					)
					apierrors.InternalError(w, "Внутренняя ошибка сервера")
					return
				}
				apierrors.Forbidden(w, "Токен ноды не принят")
				return
			}

			if subtle.ConstantTimeCompare([]byte(node.Token), []byte(secret)) != 1 {
				a.logger.Warn("Неверный секрет токена ноды",
					slog.Int64("node_id", node.ID),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Forbidden(w, "Токен ноды не принят")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyNode, node)
			ctx = service.ContextWithActor(ctx, service.Actor{IP: clientIP(r)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// --- Context helpers ---

// UserFromContext извлекает пользователя из контекста запроса.
// Возвращает nil, если пользователь не аутентифицирован.
func UserFromContext(ctx context.Context) *model.User {
	user, _ := ctx.Value(ContextKeyUser).(*model.User)
	return user
}

// NodeFromContext извлекает ноду из контекста запроса.
func NodeFromContext(ctx context.Context) *model.Node {
	node, _ := ctx.Value(ContextKeyNode).(*model.Node)
	return node
}

// --- ReadinessChecker для IdP ---

// JWKSReadinessChecker — проверка доступности IdP через JWKS endpoint.
type JWKSReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewJWKSReadinessChecker создаёт checker доступности IdP.
func NewJWKSReadinessChecker(jwksURL, caCertPath string, timeout time.Duration) (*JWKSReadinessChecker, error) {
	client := &http.Client{Timeout: timeout}
	if caCertPath != "" {
		var err error
		client, err = httpClientWithCA(caCertPath, timeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA для readiness checker: %w", err)
		}
	}

	return &JWKSReadinessChecker{
		jwksURL: jwksURL,
		client:  client,
	}, nil
}

const statusFail = "fail"

// CheckReady проверяет, что JWKS endpoint отдаёт хотя бы один ключ.
func (k *JWKSReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		return statusFail, fmt.Sprintf("JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFail, fmt.Sprintf("JWKS вернул статус %d", resp.StatusCode)
	}

	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return "degraded", fmt.Sprintf("JWKS: невалидный JSON: %v", err)
	}

	if len(jwksResp.Keys) == 0 {
		return "degraded", "JWKS: нет ключей"
	}

	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}
