// Package wellknown holds the OAuth 2.0 Protected Resource Metadata document
// (RFC 9728) published by bearer-protected APIs.
package wellknown

import (
	"fmt"
	"net/url"
	"strings"
)

const protectedResourcePrefix = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                      string   `json:"resource_name,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
}

// ProtectedResourceURL returns where the metadata for resource is published:
// the well-known prefix inserted between the host and the resource path.
func ProtectedResourceURL(resource string) (*url.URL, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" && u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("resource must be an absolute http(s) url, got %q", resource)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("resource must not carry a query or fragment, got %q", resource)
	}
	return &url.URL{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   protectedResourcePrefix + strings.TrimSuffix(u.Path, "/"),
	}, nil
}
