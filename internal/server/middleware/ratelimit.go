package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iudanet/gophvault/pkg/api"
)

// ConnectLimiter ограничивает частоту попыток подключения к документам.
// У каждого ключа свой token bucket: не больше rate попыток подряд,
// запас пополняется равномерно, по одной попытке за window/rate.
type ConnectLimiter struct {
	logger   *slog.Logger
	rejected prometheus.Counter
	now      func() time.Time
	buckets  map[string]*bucket
	stop     chan struct{}
	window   time.Duration
	perToken time.Duration
	rate     int
	mu       sync.Mutex
	stopOnce sync.Once
}

type bucket struct {
	updated time.Time
	tokens  float64
}

// LimiterOption настраивает ConnectLimiter
type LimiterOption func(*ConnectLimiter)

// WithRejectCounter считает отклоненные попытки подключения
func WithRejectCounter(c prometheus.Counter) LimiterOption {
	return func(l *ConnectLimiter) {
		l.rejected = c
	}
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) LimiterOption {
	return func(l *ConnectLimiter) {
		l.now = now
	}
}

// NewConnectLimiter создает limiter на rate попыток за window.
// Stop останавливает фоновую очистку неактивных ключей.
func NewConnectLimiter(logger *slog.Logger, rate int, window time.Duration, opts ...LimiterOption) *ConnectLimiter {
	rate = max(rate, 1)
	if window <= 0 {
		window = time.Minute
	}
	l := &ConnectLimiter{
		logger:   logger,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		stop:     make(chan struct{}),
		window:   window,
		perToken: window / time.Duration(rate),
		rate:     rate,
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.sweepLoop()

	return l
}

// Stop останавливает очистку, повторный вызов безопасен
func (l *ConnectLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow расходует одну попытку ключа. При отказе возвращает,
// через сколько появится следующая попытка.
func (l *ConnectLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.rate), updated: now}
		l.buckets[key] = b
	} else {
		l.refill(b, now)
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	return false, time.Duration((1 - b.tokens) * float64(l.perToken))
}

func (l *ConnectLimiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.updated)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(float64(l.rate), b.tokens+float64(elapsed)/float64(l.perToken))
	b.updated = now
}

func (l *ConnectLimiter) sweepLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep удаляет ключи, запас которых уже восстановился полностью
func (l *ConnectLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.updated) >= l.window {
			delete(l.buckets, key)
		}
	}
}

// Len возвращает число отслеживаемых ключей
func (l *ConnectLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ConnectRateLimit отвечает 429 с Retry-After, когда ключ исчерпал попытки.
// key по умолчанию ClientIP.
func ConnectRateLimit(limiter *ConnectLimiter, key func(*http.Request) string) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := limiter.Allow(key(r))
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			if limiter.rejected != nil {
				limiter.rejected.Inc()
			}
			limiter.logger.Warn("connect rate limit exceeded",
				slog.String("client", ClientIP(r)),
				slog.String("path", sanitizePath(r.URL.Path)),
				slog.Duration("retry_after", retryAfter))

			seconds := int(math.Ceil(retryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{
				Error:   api.CodeRateLimited,
				Message: "too many connection attempts",
			})
		})
	}
}

// ClientIP возвращает адрес клиента: первый адрес X-Forwarded-For,
// затем X-Real-IP, затем хост RemoteAddr без порта.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	// У каждого подключения свой порт, ключом служит только хост
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
