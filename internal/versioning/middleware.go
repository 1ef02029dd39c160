package versioning

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

type contextKey string

// VersionContextKey holds the negotiated APIVersion in the request context
const VersionContextKey contextKey = "api_version"

// Version headers
const (
	AcceptVersionHeader  = "Accept-Version" // requested by the client
	CurrentVersionHeader = "X-API-Version"  // served by the agent
)

// VersionMiddleware negotiates the API version from Accept-Version
type VersionMiddleware struct {
	logger *logrus.Logger
}

// NewVersionMiddleware creates a version middleware
func NewVersionMiddleware(logger *logrus.Logger) *VersionMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &VersionMiddleware{logger: logger}
}

// VersionHandler stamps every response with the served version and rejects
// requests for a version this build cannot answer. Requests without
// Accept-Version get the current version.
func (vm *VersionMiddleware) VersionHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(CurrentVersionHeader, CurrentVersion.String())

		requested := CurrentVersion
		if raw := r.Header.Get(AcceptVersionHeader); raw != "" {
			parsed, err := ParseVersion(raw)
			if err != nil {
				vm.reject(w, r, raw, http.StatusBadRequest)
				return
			}
			requested = parsed
		}

		if !CurrentVersion.IsCompatible(requested) {
			status := http.StatusNotImplemented
			if requested.Major < CurrentVersion.Major {
				status = http.StatusUpgradeRequired
			}
			vm.reject(w, r, requested.String(), status)
			return
		}

		ctx := context.WithValue(r.Context(), VersionContextKey, requested)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (vm *VersionMiddleware) reject(w http.ResponseWriter, r *http.Request, requested string, status int) {
	vm.logger.WithFields(logrus.Fields{
		"requested_version": requested,
		"current_version":   CurrentVersion.String(),
		"path":              r.URL.Path,
	}).Warn("Incompatible API version requested")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":      "VERSION_INCOMPATIBLE",
			"message":   "API version " + requested + " is not supported",
			"supported": CurrentVersion.String(),
		},
	})
}

// GetVersionFromContext returns the negotiated version, if any
func GetVersionFromContext(ctx context.Context) (APIVersion, bool) {
	version, ok := ctx.Value(VersionContextKey).(APIVersion)
	return version, ok
}
