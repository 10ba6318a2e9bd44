package permission

import (
	"encoding/hex"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/moby/patternmatcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/gamepanel/internal/domain/model"
)

// matcherKey — ключ мемоизации: сервер + отпечаток набора шаблонов.
// Изменение шаблонов у того же сервера даёт новый ключ.
type matcherKey struct {
	serverID    int64
	fingerprint [32]byte
}

// compiledMatcher — скомпилированный набор шаблонов.
// rejected — отброшенные некорректные шаблоны; остальные применяются.
// err != nil означает, что не скомпилировался ни один шаблон, и путь не скрывается.
// PatternMatcher компилирует регулярные выражения лениво при первом
// сопоставлении, поэтому сопоставление идёт под mu.
type compiledMatcher struct {
	mu       sync.Mutex
	files    *patternmatcher.PatternMatcher
	dirs     *patternmatcher.PatternMatcher
	rejected []string
	err      error
}

// Filter решает, скрыт ли путь от субпользователя.
// Скомпилированные матчеры хранятся в LRU вне модели сервера;
// компиляция выполняется не более одного раза на ключ, пока ключ в кэше.
type Filter struct {
	mu     sync.Mutex
	cache  *lru.Cache[matcherKey, *compiledMatcher]
	group  singleflight.Group
	logger *slog.Logger

	hits          prometheus.Counter
	misses        prometheus.Counter
	compileErrors prometheus.Counter
}

// NewFilter создаёт фильтр с кэшем на size матчеров.
// Счётчики регистрируются в reg; nil отключает регистрацию.
func NewFilter(size int, reg prometheus.Registerer, logger *slog.Logger) (*Filter, error) {
	cache, err := lru.New[matcherKey, *compiledMatcher](size)
	if err != nil {
		return nil, err
	}

	factory := promauto.With(reg)
	return &Filter{
		cache:  cache,
		logger: logger.With(slog.String("component", "ignore_filter")),
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "gp_ignore_matcher_cache_hits_total",
			Help: "Количество попаданий в кэш матчеров игнорируемых файлов.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "gp_ignore_matcher_cache_misses_total",
			Help: "Количество компиляций матчеров игнорируемых файлов.",
		}),
		compileErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gp_ignore_matcher_compile_errors_total",
			Help: "Количество некорректных шаблонов игнорируемых файлов, отброшенных при компиляции.",
		}),
	}, nil
}

// IsIgnored сообщает, скрыт ли путь от субпользователя сервера.
// Без гранта или без шаблонов всегда false. Путь внутри скрытого
// каталога тоже скрыт. Некорректные шаблоны отбрасываются, остальные
// применяются; если некорректны все, результат false.
func (f *Filter) IsIgnored(server *model.Server, p string, isDir bool) bool {
	if server == nil || server.Subuser == nil || len(server.Subuser.IgnoredFiles) == 0 {
		return false
	}

	rel := normalizePath(p)
	if rel == "" {
		return false
	}

	m := f.matcher(server.ID, server.Subuser.IgnoredFiles)
	if m.err != nil {
		return false
	}

	pm := m.files
	if isDir {
		pm = m.dirs
	}
	m.mu.Lock()
	ignored, err := pm.MatchesOrParentMatches(rel)
	m.mu.Unlock()
	if err != nil {
		f.logger.Debug("Ошибка сопоставления пути",
			slog.Int64("server_id", server.ID),
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ignored
}

// matcher возвращает скомпилированный матчер из кэша или компилирует его.
// Компиляция идёт без блокировки кэша; одновременные промахи по одному
// ключу ждут одну компиляцию.
func (f *Filter) matcher(serverID int64, patterns []string) *compiledMatcher {
	key := matcherKey{serverID: serverID, fingerprint: fingerprint(patterns)}

	if m, ok := f.cached(key); ok {
		return m
	}

	flightKey := strconv.FormatInt(serverID, 10) + ":" + hex.EncodeToString(key.fingerprint[:])
	v, _, _ := f.group.Do(flightKey, func() (any, error) {
		if m, ok := f.cached(key); ok {
			return m, nil
		}
		f.misses.Inc()

		m := compile(patterns)
		f.report(serverID, key, m)

		f.mu.Lock()
		f.cache.Add(key, m)
		f.mu.Unlock()
		return m, nil
	})
	return v.(*compiledMatcher)
}

func (f *Filter) cached(key matcherKey) (*compiledMatcher, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.cache.Get(key)
	if ok {
		f.hits.Inc()
	}
	return m, ok
}

// report учитывает отброшенные шаблоны.
func (f *Filter) report(serverID int64, key matcherKey, m *compiledMatcher) {
	if len(m.rejected) == 0 {
		return
	}
	f.compileErrors.Add(float64(len(m.rejected)))

	attrs := []any{
		slog.Int64("server_id", serverID),
		slog.String("fingerprint", hex.EncodeToString(key.fingerprint[:8])),
		slog.Any("rejected", m.rejected),
	}
	if m.err != nil {
		f.logger.Warn("Все шаблоны игнорируемых файлов некорректны, фильтр не применяется",
			append(attrs, slog.String("error", m.err.Error()))...)
		return
	}
	f.logger.Warn("Некорректные шаблоны игнорируемых файлов отброшены", attrs...)
}

// fingerprint — BLAKE3 от шаблонов, разделённых нулевым байтом.
func fingerprint(patterns []string) [32]byte {
	return blake3.Sum256([]byte(strings.Join(patterns, "\x00")))
}

// compile строит пару матчеров: для файлов и для каталогов.
// Шаблон с завершающим "/" относится только к каталогам: для каталогов
// он совпадает с самим каталогом, для файлов — с его содержимым.
// Каждый шаблон проверяется отдельно, некорректный не мешает остальным.
func compile(patterns []string) *compiledMatcher {
	filePatterns := make([]string, 0, len(patterns))
	dirPatterns := make([]string, 0, len(patterns))
	var (
		rejected []string
		lastErr  error
	)

	for _, raw := range patterns {
		pat := strings.TrimSpace(raw)
		negate := strings.HasPrefix(pat, "!")
		pat = strings.TrimPrefix(pat, "!")

		anchored := strings.HasPrefix(pat, "/")
		dirOnly := strings.HasSuffix(pat, "/")
		pat = strings.Trim(pat, "/")
		if pat == "" {
			continue
		}
		// Шаблон без "/" совпадает на любой глубине, ведущий "/" — только от корня
		if !anchored && !strings.Contains(pat, "/") && !strings.HasPrefix(pat, "**") {
			pat = "**/" + pat
		}

		prefix := ""
		if negate {
			prefix = "!"
		}
		dirPat := prefix + pat
		filePat := dirPat
		if dirOnly {
			filePat += "/**"
		}
		if _, err := patternmatcher.New([]string{dirPat, filePat}); err != nil {
			rejected = append(rejected, raw)
			lastErr = err
			continue
		}
		dirPatterns = append(dirPatterns, dirPat)
		filePatterns = append(filePatterns, filePat)
	}

	if len(dirPatterns) == 0 && lastErr != nil {
		return &compiledMatcher{rejected: rejected, err: lastErr}
	}

	files, err := patternmatcher.New(filePatterns)
	if err != nil {
		return &compiledMatcher{rejected: patterns, err: err}
	}
	dirs, err := patternmatcher.New(dirPatterns)
	if err != nil {
		return &compiledMatcher{rejected: patterns, err: err}
	}
	return &compiledMatcher{files: files, dirs: dirs, rejected: rejected}
}

// normalizePath приводит путь к относительному виду без "./" и "..".
func normalizePath(p string) string {
	cleaned := path.Clean("/" + strings.TrimSpace(p))
	return strings.TrimPrefix(cleaned, "/")
}
