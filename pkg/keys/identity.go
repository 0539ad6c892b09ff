package keys

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Identity is who a request is counted against. UserID comes from a
// verified credential; Addr is the client address and is only as
// trustworthy as the network path (see FromRequest).
type Identity struct {
	UserID string
	Addr   string
}

// Anonymous reports whether no authenticated principal is present.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

// Key returns "user:<id>" when authenticated, else "ip:<addr>".
func (i Identity) Key() (string, error) {
	switch {
	case i.UserID != "":
		return "user:" + Escape(i.UserID), nil
	case i.Addr != "":
		return "ip:" + Escape(i.Addr), nil
	default:
		return "", fmt.Errorf("%w: request has neither user nor client address", ErrInvalidKey)
	}
}

// FromRequest extracts the client address of r. Forwarding headers are only
// honoured when trustProxy is set: any client can send them, so trusting them
// without a proxy that overwrites them lets callers pick their own bucket.
func FromRequest(r *http.Request, userID string, trustProxy bool) Identity {
	return Identity{UserID: userID, Addr: ClientAddr(r, trustProxy)}
}

// ClientAddr returns the client IP of r.
func ClientAddr(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	return HostOnly(r.RemoteAddr)
}

// HostOnly strips the port from a host:port address.
func HostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// RateKeyFunc derives the rate-limit key for a request to endpoint under
// the policy named scope. Keys of different scopes never collide, so two
// policies that both key by client keep separate windows.
type RateKeyFunc func(scope, endpoint string, id Identity) (string, error)

func scopePrefix(scope string) (string, error) {
	if scope == "" {
		return "", fmt.Errorf("%w: empty policy scope", ErrInvalidKey)
	}
	return RatePrefix + ":" + Escape(scope) + ":", nil
}

// ByClient buckets by client address only, across all endpoints of scope.
func ByClient(scope, endpoint string, id Identity) (string, error) {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return "", err
	}
	if id.Addr == "" {
		return "", fmt.Errorf("%w: missing client address", ErrInvalidKey)
	}
	return prefix + "ip:" + Escape(id.Addr), nil
}

// ByUser buckets by user across all endpoints of scope, falling back to the
// client address for anonymous requests.
func ByUser(scope, endpoint string, id Identity) (string, error) {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return "", err
	}
	idKey, err := id.Key()
	if err != nil {
		return "", err
	}
	return prefix + idKey, nil
}

// ByEndpoint buckets by endpoint and identity.
func ByEndpoint(scope, endpoint string, id Identity) (string, error) {
	prefix, err := scopePrefix(scope)
	if err != nil {
		return "", err
	}
	if endpoint == "" {
		return "", fmt.Errorf("%w: empty endpoint", ErrInvalidKey)
	}
	idKey, err := id.Key()
	if err != nil {
		return "", err
	}
	return prefix + "endpoint:" + Escape(endpoint) + ":" + idKey, nil
}

// Strategy looks up a RateKeyFunc by name: "client", "user" or "endpoint".
func Strategy(name string) (RateKeyFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "client", "ip":
		return ByClient, nil
	case "user":
		return ByUser, nil
	case "", "endpoint":
		return ByEndpoint, nil
	default:
		return nil, fmt.Errorf("unknown key strategy %q", name)
	}
}
