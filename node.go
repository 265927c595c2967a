package shimmer

import (
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

type NodeAuth struct {
	JWT               string
	BasicAuthName     string
	BasicAuthPassword string
}

// Node is one endpoint serving the node API. Nodes compare equal by URL.
type Node struct {
	URL      string
	Auth     *NodeAuth
	Disabled bool
}

func NewNode(rawURL string) (node Node, err error) {
	normalized, err := normalizeNodeURL(rawURL)
	if err != nil {
		return
	}
	node = Node{URL: normalized}
	return
}

func NewNodeWithAuth(rawURL string, auth NodeAuth) (node Node, err error) {
	node, err = NewNode(rawURL)
	if err != nil {
		return
	}
	node.Auth = &auth
	return
}

func (n Node) Equal(other Node) bool {
	return n.URL == other.URL
}

func (n Node) String() string {
	return n.URL
}

// Endpoint joins the node base url with an api path.
func (n Node) Endpoint(path string, query url.Values) string {
	endpoint := n.URL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

func normalizeNodeURL(rawURL string) (normalized string, err error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		err = configErrorf("empty node url")
		return
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		err = configErrorf("invalid node url '%s': %v", trimmed, err)
		return
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		err = configErrorf("invalid node url '%s': scheme must be http or https", trimmed)
		return
	}

	if parsed.Host == "" {
		err = configErrorf("invalid node url '%s': missing host", trimmed)
		return
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	normalized = strings.TrimRight(parsed.String(), "/")
	return
}

// jwtExpiry reads the exp claim without verifying the token, the node is the
// only party able to do that.
func jwtExpiry(token string) (expiry time.Time, ok bool, err error) {
	claims := jwt.MapClaims{}
	if _, _, err = jwt.NewParser().ParseUnverified(token, claims); err != nil {
		err = errors.Wrap(err, "failed to parse node jwt")
		return
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		err = errors.Wrap(err, "failed to read jwt expiry")
		return
	}
	if exp == nil {
		return
	}

	return exp.Time, true, nil
}
