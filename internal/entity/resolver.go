package entity

import (
	"fmt"
	"net"
	"strings"
)

const (
	TypeIP   = "ip"
	TypeUser = "user"
)

const maxUserValueLen = 128

// ValidationError is returned for malformed identifiers or unknown entity
// types. Input is rejected before it reaches any store, never coerced.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ResolveKey maps (entity_type, entity_value) to the canonical key used as
// the join key across all monitoring state. The mapping is deterministic and
// injective: two distinct (type, value) pairs never collide because the type
// is a prefix and values are canonicalized, not hashed.
func ResolveKey(entityType, entityValue string) (string, error) {
	normType := strings.ToLower(strings.TrimSpace(entityType))
	normValue := strings.TrimSpace(entityValue)

	if normValue == "" {
		return "", &ValidationError{Field: "entity_value", Value: entityValue, Reason: "empty"}
	}

	switch normType {
	case TypeIP:
		ip := net.ParseIP(normValue)
		if ip == nil {
			return "", &ValidationError{Field: "entity_value", Value: entityValue, Reason: "not a valid IP address"}
		}
		// net.IP.String canonicalizes both families (lowercase, compressed v6)
		return TypeIP + ":" + ip.String(), nil
	case TypeUser:
		normValue = strings.ToLower(normValue)
		if len(normValue) > maxUserValueLen {
			return "", &ValidationError{Field: "entity_value", Value: entityValue, Reason: "exceeds maximum length"}
		}
		if strings.ContainsAny(normValue, " \t\n\r:") {
			return "", &ValidationError{Field: "entity_value", Value: entityValue, Reason: "contains whitespace or reserved characters"}
		}
		return TypeUser + ":" + normValue, nil
	default:
		return "", &ValidationError{Field: "entity_type", Value: entityType, Reason: "unknown entity type"}
	}
}

// ResolveIPKey and ResolveUserKey are convenience wrappers for callers that
// already know the entity type.
func ResolveIPKey(ip string) (string, error) {
	return ResolveKey(TypeIP, ip)
}

func ResolveUserKey(userID string) (string, error) {
	return ResolveKey(TypeUser, userID)
}
