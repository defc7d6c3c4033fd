package server

import (
	"net"
	"net/http"
	"net/mail"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneRegex = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
)

// Writes per IP: a burst of 5, then one every 12 minutes (5 per hour).
const (
	writeBurst    = 5
	writeInterval = 12 * time.Minute
	limiterTTL    = 2 * time.Hour
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter rate limits mutating requests per client IP.
type ipLimiter struct {
	clients map[string]*ipEntry
	mu      sync.Mutex
}

func newIPLimiter() *ipLimiter {
	return &ipLimiter{clients: make(map[string]*ipEntry)}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for k, e := range l.clients {
		if now.Sub(e.lastSeen) > limiterTTL {
			delete(l.clients, k)
		}
	}

	e, ok := l.clients[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(rate.Every(writeInterval), writeBurst)}
		l.clients[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// limited wraps h so that each client IP is held to the write budget.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "too many requests, try again later")
			return
		}
		h(w, r)
	}
}

// clientIP returns the request's remote IP. Proxy headers are already applied by the middleware.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

// isValidPhone accepts E.164 numbers.
func isValidPhone(phone string) bool {
	return phoneRegex.MatchString(phone)
}
