package limits

import (
	"sync"
	"time"

	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter admits WebSocket upgrades.
//
// Two levels:
//   - Global: one token bucket shared by every client
//   - Per-IP: one token bucket per remote address
//
// Unlike the envelope Limiter these are smooth token buckets: reconnect bursts
// up to the burst size pass, sustained floods are throttled to the rate.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	logger zerolog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection admission.
type ConnectionRateLimiterConfig struct {
	IPBurst int           // Max burst upgrades per IP (default: 20)
	IPRate  float64       // Sustained upgrades/sec per IP (default: 2)
	IPTTL   time.Duration // Forget an IP after this long without attempts (default: 5m)

	GlobalBurst int     // Max burst upgrades system-wide (default: 300)
	GlobalRate  float64 // Sustained upgrades/sec system-wide (default: 50)

	// CleanupInterval is how often stale IPs are evicted (default: 1m).
	CleanupInterval time.Duration

	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates the limiter and starts its cleanup loop.
// Zero config values take the defaults. Call Stop on shutdown.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 20
	}
	if config.IPRate == 0 {
		config.IPRate = 2
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		globalBurst:   config.GlobalBurst,
		globalRate:    config.GlobalRate,
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	crl.wg.Add(1)
	go crl.cleanupLoop(config.CleanupInterval)

	crl.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return crl
}

// Admit checks whether an upgrade from ip may proceed at time now. The global
// bucket is checked first; a token is only taken from it when the per-IP
// bucket also admits.
func (crl *ConnectionRateLimiter) Admit(ip string, now time.Time) Decision {
	global := crl.globalLimiter.ReserveN(now, 1)
	if d := global.DelayFrom(now); d > 0 {
		global.CancelAt(now)
		crl.logger.Debug().Str("ip", ip).Dur("retry_after", d).Msg("Connection rejected: global rate limit exceeded")
		monitoring.ConnectionsRejected.WithLabelValues("global").Inc()
		return Decision{RetryAfter: d}
	}

	perIP := crl.ipLimiter(ip, now).ReserveN(now, 1)
	if d := perIP.DelayFrom(now); d > 0 {
		perIP.CancelAt(now)
		global.CancelAt(now)
		crl.logger.Debug().Str("ip", ip).Dur("retry_after", d).Msg("Connection rejected: per-IP rate limit exceeded")
		monitoring.ConnectionsRejected.WithLabelValues("per_ip").Inc()
		return Decision{RetryAfter: d}
	}
	return Decision{Allowed: true}
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string, now time.Time) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	entry, ok := crl.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)}
		crl.ipLimiters[ip] = entry
	}
	entry.lastAccess = now
	return entry.limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop(interval time.Duration) {
	defer crl.wg.Done()
	defer monitoring.RecoverPanic(crl.logger, "connection_rate_limiter_cleanup", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			crl.Cleanup(time.Now())
		case <-crl.stopCleanup:
			return
		}
	}
}

// Cleanup evicts IPs not seen within the TTL and returns how many were removed.
func (crl *ConnectionRateLimiter) Cleanup(now time.Time) int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
	return removed
}

// TrackedIPs returns the number of IPs currently holding a bucket.
func (crl *ConnectionRateLimiter) TrackedIPs() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	return len(crl.ipLimiters)
}

// Stop ends the cleanup loop. Safe to call more than once.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() { close(crl.stopCleanup) })
	crl.wg.Wait()
}
