package ingress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/rpcmux/internal/rpcmux"
)

// connRateLimiter guards the upgrade endpoint against connection floods:
// a global token bucket bounds system-wide accept rate, a per-IP bucket
// bounds any single client. Stale per-IP entries are swept periodically
// so a churn of distinct IPs doesn't leak memory.
type connRateLimiter struct {
	ipMu     sync.Mutex
	ipLast   map[string]time.Time
	ipLimit  map[string]*rate.Limiter
	ipRate   rate.Limit
	ipBurst  int
	ipTTL    time.Duration
	global   *rate.Limiter
	stop     chan struct{}
	logger   zerolog.Logger
}

func newConnRateLimiter(ipRate float64, ipBurst int, globalRate float64, globalBurst int, ipTTL time.Duration, logger zerolog.Logger) *connRateLimiter {
	l := &connRateLimiter{
		ipLast:  make(map[string]time.Time),
		ipLimit: make(map[string]*rate.Limiter),
		ipRate:  rate.Limit(ipRate),
		ipBurst: ipBurst,
		ipTTL:   ipTTL,
		global:  rate.NewLimiter(rate.Limit(globalRate), globalBurst),
		stop:    make(chan struct{}),
		logger:  logger.With().Str("component", "ratelimit").Logger(),
	}
	go l.sweepLoop()
	return l
}

// allow reports whether a new connection from ip may proceed, checking
// the global bucket first since it needs no map lookup.
func (l *connRateLimiter) allow(ip string) bool {
	if !l.global.Allow() {
		rpcmux.RecordOutboundDrop("conn_global")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		rpcmux.RecordOutboundDrop("conn_ip")
		return false
	}
	return true
}

func (l *connRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	lim, ok := l.ipLimit[ip]
	if !ok {
		lim = rate.NewLimiter(l.ipRate, l.ipBurst)
		l.ipLimit[ip] = lim
	}
	l.ipLast[ip] = time.Now()
	return lim
}

func (l *connRateLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
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

func (l *connRateLimiter) sweep() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	now := time.Now()
	for ip, last := range l.ipLast {
		if now.Sub(last) > l.ipTTL {
			delete(l.ipLast, ip)
			delete(l.ipLimit, ip)
		}
	}
}

func (l *connRateLimiter) Close() { close(l.stop) }
