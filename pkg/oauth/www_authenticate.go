package oauth

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var authParamPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseWWWAuthenticate parses a Bearer challenge such as
//
//	Bearer realm="mcp", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"
func ParseWWWAuthenticate(header string) (*AuthChallenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(header, " ", 2)
	challenge := &AuthChallenge{Scheme: parts[0]}
	if len(parts) == 1 {
		return challenge, nil
	}

	for _, m := range authParamPattern.FindAllStringSubmatch(parts[1], -1) {
		switch strings.ToLower(m[1]) {
		case "realm":
			challenge.Realm = m[2]
		case "resource_metadata":
			challenge.ResourceMetadataURL = m[2]
		case "scope":
			challenge.Scope = m[2]
		case "error":
			challenge.Error = m[2]
		case "error_description":
			challenge.ErrorDescription = m[2]
		}
	}
	return challenge, nil
}

// ChallengeFromResponse extracts the challenge of a 401 response, or nil.
func ChallengeFromResponse(resp *http.Response) *AuthChallenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}
	challenge, err := ParseWWWAuthenticate(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return nil
	}
	return challenge
}

// BuildWWWAuthenticate renders a Bearer challenge pointing clients at the
// protected resource metadata document. errCode may be empty.
func BuildWWWAuthenticate(resourceMetadataURL, errCode, description string) string {
	var b strings.Builder
	b.WriteString("Bearer")
	params := make([]string, 0, 3)
	if resourceMetadataURL != "" {
		params = append(params, fmt.Sprintf(`resource_metadata="%s"`, resourceMetadataURL))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if description != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, strings.ReplaceAll(description, `"`, "'")))
	}
	if len(params) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(params, ", "))
	}
	return b.String()
}

// Is401Error reports whether a transport error came from a 401 response.
// MCP client transports only surface the status in the error text.
func Is401Error(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "401") ||
		strings.Contains(strings.ToLower(errStr), "unauthorized")
}
