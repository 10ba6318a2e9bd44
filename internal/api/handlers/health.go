// health.go — служебные эндпоинты панели: живость, готовность, метрики.
package handlers

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/gamepanel/internal/config"
)

const serviceName = "gamepanel"

// Статусы зависимостей в порядке ухудшения.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// ReadinessChecker — интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status string, message string)
}

type dependency struct {
	name    string
	checker ReadinessChecker
}

// HealthHandler отвечает на запросы оркестратора и Prometheus.
type HealthHandler struct {
	deps    []dependency
	metrics http.Handler
}

// NewHealthHandler принимает проверки базы и JWKS.
// nil-проверка считается неготовой зависимостью.
func NewHealthHandler(pgChecker, jwksChecker ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		deps: []dependency{
			{name: "postgresql", checker: pgChecker},
			{name: "jwks", checker: jwksChecker},
		},
		metrics: promhttp.Handler(),
	}
}

type dependencyState struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthReport — общее тело ответа live и ready; checks есть только у ready.
type healthReport struct {
	Service   string                     `json:"service"`
	Version   string                     `json:"version"`
	Status    string                     `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
	Checks    map[string]dependencyState `json:"checks,omitempty"`
}

func newHealthReport(status string) healthReport {
	return healthReport{
		Service:   serviceName,
		Version:   config.Version,
		Status:    status,
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
}

// HealthLive всегда 200, пока процесс отвечает.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newHealthReport(statusOK))
}

// HealthReady опрашивает зависимости. 503 при хотя бы одной fail.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	report := newHealthReport(statusOK)
	report.Checks = make(map[string]dependencyState, len(h.deps))

	for _, d := range h.deps {
		state := dependencyState{Status: statusFail, Message: "не инициализирован"}
		if d.checker != nil {
			state.Status, state.Message = d.checker.CheckReady()
		}
		report.Checks[d.name] = state
		report.Status = worse(report.Status, state.Status)
	}

	code := http.StatusOK
	if report.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// GetMetrics отдаёт метрики в формате Prometheus.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

// worse возвращает худший из двух статусов. Неизвестный статус равен fail.
func worse(a, b string) string {
	if severity(b) <= severity(a) {
		return a
	}
	if severity(b) == severity(statusFail) {
		return statusFail
	}
	return b
}

func severity(status string) int {
	switch status {
	case statusOK:
		return 0
	case statusDegraded:
		return 1
	default:
		return 2
	}
}
