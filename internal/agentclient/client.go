// Пакет agentclient — HTTP-клиент API агента, работающего на ноде.
// Поддерживает TLS с кастомным CA (GP_AGENT_CA_CERT_PATH).
//
// Каждый метод возвращает типизированный ответ или *Error со статусом
// и сообщением агента. Повторов нет: решение о повторе принимает
// вызывающий код.
package agentclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики запросов к агентам.
var (
	agentRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gp_agent_requests_total",
		Help: "Общее количество запросов к агентам нод.",
	}, []string{"operation", "status"})

	agentRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gp_agent_request_duration_seconds",
		Help:    "Длительность запросов к агентам нод в секундах.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// StatusTransportFailure — статус, под которым возвращаются сбои
// транспорта и декодирования ответа (агент недоступен или ответил мусором).
const StatusTransportFailure = http.StatusPreconditionFailed

// Error — ошибка, полученная от агента или при обращении к нему.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("агент вернул статус %d: %s", e.StatusCode, e.Message)
}

// AsError извлекает *Error из цепочки ошибок.
func AsError(err error) (*Error, bool) {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr, true
	}
	return nil, false
}

// API — операции агента, которые использует панель.
type API interface {
	CreateServer(ctx context.Context, req CreateServerRequest) error
	DeleteServer(ctx context.Context, server uuid.UUID) error
	SendCommands(ctx context.Context, server uuid.UUID, commands []string) error
	ListDirectory(ctx context.Context, server uuid.UUID, q ListDirectoryQuery) (*DirectoryListing, error)
	DecompressFile(ctx context.Context, server uuid.UUID, req DecompressRequest) error
	ListPulls(ctx context.Context, server uuid.UUID) (*PullList, error)
	PullFile(ctx context.Context, server uuid.UUID, req PullRequest) (*PullStarted, error)
	WriteFile(ctx context.Context, server uuid.UUID, file string, content []byte) error
	System(ctx context.Context) (*SystemInfo, error)
}

// Options — параметры HTTP-клиента агентов.
type Options struct {
	// Таймаут одного запроса к агенту
	Timeout time.Duration
	// Путь к CA-сертификату (пустая строка — системный пул)
	CACertPath string
	// Значение заголовка User-Agent
	UserAgent string
}

// Factory создаёт клиентов для конкретных нод поверх общего http.Client.
type Factory struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// NewFactory создаёт фабрику клиентов агентов.
func NewFactory(opts Options, logger *slog.Logger) (*Factory, error) {
	httpClient := &http.Client{Timeout: opts.Timeout}

	if opts.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата агентов: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
		logger.Info("CA-сертификат агентов добавлен в пул доверия",
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	return &Factory{
		httpClient: httpClient,
		userAgent:  opts.UserAgent,
		logger:     logger.With(slog.String("component", "agent_client")),
	}, nil
}

// ForNode возвращает клиент агента ноды.
// baseURL — адрес API агента, token — токен ноды.
func (f *Factory) ForNode(baseURL, token string) API {
	return &client{
		factory: f,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-блоков", caCertPath)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// client — реализация API для одной ноды.
type client struct {
	factory *Factory
	baseURL string
	token   string
}

// request — описание одного вызова агента.
type request struct {
	operation   string
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
}

// do выполняет запрос и декодирует успешный ответ в out (nil — тело игнорируется).
func (c *client) do(ctx context.Context, r request, out any) error {
	start := time.Now()
	status := "transport_error"
	defer func() {
		agentRequestsTotal.WithLabelValues(r.operation, status).Inc()
		agentRequestDuration.WithLabelValues(r.operation).Observe(time.Since(start).Seconds())
	}()

	reqURL := c.baseURL + r.path
	if len(r.query) > 0 {
		reqURL += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, reqURL, r.body)
	if err != nil {
		return &Error{StatusCode: StatusTransportFailure, Message: err.Error()}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.factory.userAgent != "" {
		req.Header.Set("User-Agent", c.factory.userAgent)
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	resp, err := c.factory.httpClient.Do(req)
	if err != nil {
		c.factory.logger.Debug("Агент недоступен",
			slog.String("operation", r.operation),
			slog.String("url", c.baseURL),
			slog.String("error", err.Error()),
		)
		return &Error{StatusCode: StatusTransportFailure, Message: err.Error()}
	}
	defer resp.Body.Close()

	status = strconv.Itoa(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{
			StatusCode: StatusTransportFailure,
			Message:    fmt.Sprintf("декодирование ответа %s: %v", r.operation, err),
		}
	}
	return nil
}

// decodeError читает конверт {"error": "..."} из ответа с ошибкой.
func decodeError(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return &Error{StatusCode: resp.StatusCode, Message: envelope.Error}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{StatusCode: resp.StatusCode, Message: msg}
}

// jsonBody сериализует тело запроса.
func jsonBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{StatusCode: StatusTransportFailure, Message: err.Error()}
	}
	return bytes.NewReader(data), nil
}

func serverPath(server uuid.UUID, suffix string) string {
	return "/api/servers/" + server.String() + suffix
}
