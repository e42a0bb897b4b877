// Package limits implements connection-rate DoS protection: a global
// token bucket plus a per-IP bucket, grounded on the teacher's
// ConnectionRateLimiter (two-level global/per-IP rate.Limiter pattern).
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config parameterizes both rate-limiter levels.
type Config struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func (c Config) withDefaults() Config {
	if c.IPBurst == 0 {
		c.IPBurst = 10
	}
	if c.IPRate == 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL == 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 50.0
	}
	return c
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiter admits or rejects an accept()'d connection before
// it is handed to protocol sniffing (spec.md §6 "Connection-rate DoS
// protection"): a global bucket protects the whole process, a per-IP
// bucket protects against one source flooding it.
type ConnectionRateLimiter struct {
	cfg Config

	mu      sync.Mutex
	perIP   map[string]*ipEntry
	global  *rate.Limiter
	logger  zerolog.Logger
	stopCh  chan struct{}
	stopped bool
}

// New builds a ConnectionRateLimiter and starts its stale-IP sweep.
func New(cfg Config, logger zerolog.Logger) *ConnectionRateLimiter {
	cfg = cfg.withDefaults()
	l := &ConnectionRateLimiter{
		cfg:    cfg,
		perIP:  make(map[string]*ipEntry),
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger: logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCh: make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow checks the global bucket first, then the per-IP bucket. A
// connection the per-IP bucket rejects has already spent a global token.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected: global rate limit exceeded")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected: per-ip rate limit exceeded")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.perIP[ip]; ok {
		e.lastAccess = time.Now()
		return e.limiter
	}
	e := &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.cfg.IPRate), l.cfg.IPBurst), lastAccess: time.Now()}
	l.perIP[ip] = e
	return e.limiter
}

func (l *ConnectionRateLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *ConnectionRateLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for ip, e := range l.perIP {
		if now.Sub(e.lastAccess) > l.cfg.IPTTL {
			delete(l.perIP, ip)
		}
	}
}

// Stop ends the background sweep; safe to call once during shutdown.
func (l *ConnectionRateLimiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stopCh)
}
