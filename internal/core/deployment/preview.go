package deployment

import (
	"errors"
	"fmt"
	"net/url"
)

// DefaultTokenParam is the query parameter carrying the preview credential.
const DefaultTokenParam = "bl_preview_token"

// ErrInvalidEndpoint is returned when an endpoint cannot be parsed.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// PreviewURL composes the externally shareable URL for a target.
//
// Example:
//
//	PreviewURL("http://1.2.3.4:3000", "bl_preview_token", "abc")
//	// returns "http://1.2.3.4:3000?bl_preview_token=abc"
func PreviewURL(endpoint, param, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}
	if param == "" {
		param = DefaultTokenParam
	}
	q := u.Query()
	q.Set(param, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Endpoint builds the public endpoint for a host and port.
func Endpoint(host string, port int) string {
	return fmt.Sprintf("http://%s:%d", host, port)
}
