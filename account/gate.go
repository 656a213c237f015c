package account

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ao-apps/aoserv-master/telemetry"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// AuthError is a rejected login. Reason is sent to the client verbatim.
type AuthError struct {
	Reason string
	// Kind labels the failure for metrics.
	Kind string
}

func (e *AuthError) Error() string {
	return e.Reason
}

func reject(kind, format string, args ...any) *AuthError {
	telemetry.AuthFailuresTotal.With(kind).Inc()
	return &AuthError{Reason: fmt.Sprintf(format, args...), Kind: kind}
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type dnsEntry struct {
	addrs   []string
	expires time.Time
}

// Gate authenticates connections against the master caches.
type Gate struct {
	caches   *Caches
	resolver Resolver
	dns      *lru.Cache[string, dnsEntry]
	ttl      time.Duration
	now      func() time.Time
}

// NewGate creates a gate. cacheSize bounds the resolver cache; entries
// expire after ttl.
func NewGate(caches *Caches, resolver Resolver, cacheSize int, ttl time.Duration) (*Gate, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	dns, err := lru.New[string, dnsEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dns cache: %w", err)
	}
	return &Gate{
		caches:   caches,
		resolver: resolver,
		dns:      dns,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Caches returns the master caches the gate reads from.
func (g *Gate) Caches() *Caches {
	return g.caches
}

// Authenticate checks a login. It returns nil on success, an *AuthError when
// the login is rejected, or another error when the check itself failed.
func (g *Gate) Authenticate(ctx context.Context, remoteHost, connectAs, authenticateAs, password string) error {
	if authenticateAs == "" {
		return reject("empty_username", "Connection attempted with empty authentication username")
	}
	if connectAs == "" {
		return reject("empty_username", "Connection attempted with empty connect username")
	}

	snap, err := g.caches.Snapshot(ctx, nil)
	if err != nil {
		return err
	}

	admin, ok := snap.Administrator(authenticateAs)
	if !ok {
		return reject("unknown_user", "Unable to find Administrator: %s", authenticateAs)
	}
	if snap.UserDisabled(authenticateAs) {
		return reject("disabled", "Administrator disabled: %s", authenticateAs)
	}

	allowed, err := g.isHostAllowed(ctx, snap, authenticateAs, remoteHost)
	if err != nil {
		return err
	}
	if !allowed {
		return reject("host", "Connection from %s not allowed for %s", remoteHost, authenticateAs)
	}

	if password == "" {
		return reject("password", "Connection attempted with empty password")
	}
	if !passwordMatches(admin.Password, password) {
		return reject("password", "Connection attempted with invalid password")
	}

	if connectAs == authenticateAs {
		return nil
	}

	if !snap.Access(authenticateAs).CanSwitchUsers() {
		return reject("switch_user", "Not allowed to switch users from %s to %s", authenticateAs, connectAs)
	}
	target, ok := snap.Administrator(connectAs)
	if !ok {
		return reject("unknown_user", "Unable to find Administrator: %s", connectAs)
	}
	if snap.UserDisabled(connectAs) {
		return reject("disabled", "Administrator disabled: %s", connectAs)
	}
	if !snap.IsSameOrDescendant(admin.Accounting, target.Accounting) {
		return reject("switch_user", "%s is not a sub-account user of %s", connectAs, authenticateAs)
	}

	return nil
}

// HashPassword returns the stored form of a password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func passwordMatches(stored, given string) bool {
	if stored == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
}

// IsHostAllowed reports whether username may connect from host. An empty
// allow-list allows every host. Configured entries and host are both
// resolved to addresses before comparing.
func (g *Gate) IsHostAllowed(ctx context.Context, username, host string) (bool, error) {
	snap, err := g.caches.Snapshot(ctx, nil)
	if err != nil {
		return false, err
	}
	return g.isHostAllowed(ctx, snap, username, host)
}

func (g *Gate) isHostAllowed(ctx context.Context, snap *Snapshot, username, host string) (bool, error) {
	allowList := snap.MasterHosts(username)
	if len(allowList) == 0 {
		return true, nil
	}

	incoming := make(map[string]struct{})
	for _, addr := range g.resolve(ctx, host) {
		incoming[addr] = struct{}{}
	}

	for _, entry := range allowList {
		for _, addr := range g.resolve(ctx, entry) {
			if _, ok := incoming[addr]; ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// resolve returns the normalized addresses of host. Literal IPs resolve to
// themselves; names that fail to resolve compare by their lowercase name.
func (g *Gate) resolve(ctx context.Context, host string) []string {
	host = strings.TrimSpace(host)
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}
	}

	key := strings.ToLower(host)
	if e, ok := g.dns.Get(key); ok && g.now().Before(e.expires) {
		telemetry.DNSCacheLookupsTotal.With("hit").Inc()
		return e.addrs
	}
	telemetry.DNSCacheLookupsTotal.With("miss").Inc()

	addrs, err := g.resolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		log.Debug().Err(err).Str("host", host).Msg("Host did not resolve")
		return []string{key}
	}

	normalized := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			normalized = append(normalized, ip.String())
		}
	}
	g.dns.Add(key, dnsEntry{addrs: normalized, expires: g.now().Add(g.ttl)})
	return normalized
}
