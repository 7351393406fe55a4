package bearer

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/oidcauth/internal/logctx"
	"github.com/ggoodman/oidcauth/internal/wellknown"
)

// bearerMethods lists the transports extractToken accepts, in RFC 9728 terms.
var bearerMethods = []string{"header", "body", "query"}

// ResourceMetadataURL is where the protected resource metadata document is
// expected to be served. It is empty unless WithResource was given.
func (s *Strategy) ResourceMetadataURL() string { return s.prmURL }

// ResourceMetadataHandler serves the protected resource metadata document
// (RFC 9728). Mount it at the path of ResourceMetadataURL. Authorization
// servers and the key set location come from the authority's metadata.
func (s *Strategy) ResourceMetadataHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		switch r.Method {
		case http.MethodOptions:
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.cfg.Resource == "" {
			http.NotFound(w, r)
			return
		}

		ctx := logctx.WithRequest(r)
		doc := wellknown.ProtectedResourceMetadata{
			Resource:                          s.cfg.Resource,
			ScopesSupported:                   s.cfg.Scopes,
			BearerMethodsSupported:            bearerMethods,
			ResourceSigningAlgValuesSupported: s.cfg.Algorithms,
		}
		for _, iss := range s.cfg.Issuers {
			if !strings.Contains(iss, "{tenantid}") {
				doc.AuthorizationServers = append(doc.AuthorizationServers, iss)
			}
		}
		if s.meta != nil {
			m, err := s.meta.Current(ctx)
			if err != nil {
				s.log.ErrorContext(ctx, "bearer.resource_metadata.error", slog.String("err", err.Error()))
				http.Error(w, "authority metadata unavailable", http.StatusServiceUnavailable)
				return
			}
			if len(doc.AuthorizationServers) == 0 && !s.meta.IsCommonEndpoint() {
				doc.AuthorizationServers = []string{m.Issuer}
			}
			doc.JwksURI = m.JWKSURI
			if len(doc.ResourceSigningAlgValuesSupported) == 0 {
				doc.ResourceSigningAlgValuesSupported = m.SigningAlgorithms
			}
		}

		w.Header().Set("Vary", "Origin")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			s.log.ErrorContext(ctx, "bearer.resource_metadata.encode", slog.String("err", err.Error()))
		}
	})
}
