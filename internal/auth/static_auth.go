package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
)

// StaticAuthenticator accepts a fixed set of keys. It is meant for local
// development and single-operator deployments.
type StaticAuthenticator struct {
	keys map[string]*Principal
}

// NewStaticAuthenticator builds an authenticator from key to principal.
func NewStaticAuthenticator(keys map[string]*Principal) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

// ParseStaticKeys parses "name:role:key" entries separated by commas, as
// supplied through the environment.
func ParseStaticKeys(spec string) (map[string]*Principal, error) {
	keys := make(map[string]*Principal)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("ParseStaticKeys: malformed entry %q", parts[0])
		}
		role, err := ParseRole(parts[1])
		if err != nil {
			return nil, fmt.Errorf("ParseStaticKeys: %w", err)
		}
		if !strings.HasPrefix(parts[2], KeyPrefix) || len(parts[2]) < lookupPrefixLen {
			return nil, fmt.Errorf("ParseStaticKeys: key for %s must start with %s", parts[0], KeyPrefix)
		}
		keys[parts[2]] = &Principal{ID: "static-" + parts[0], Name: parts[0], Role: role}
	}
	return keys, nil
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	for key, p := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return p, nil
		}
	}
	return nil, ErrUnauthenticated
}
