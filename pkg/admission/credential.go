package admission

import "strings"

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// Credential picks the presented credential: Authorization bearer first, then
// the X-API-Key header, then the api_key query value (browsers cannot set
// headers on a WebSocket handshake).
func Credential(authorization, apiKeyHeader, apiKeyQuery string) string {
	if token, ok := ParseBearer(authorization); ok {
		return token
	}
	if k := strings.TrimSpace(apiKeyHeader); k != "" {
		return k
	}
	return strings.TrimSpace(apiKeyQuery)
}
