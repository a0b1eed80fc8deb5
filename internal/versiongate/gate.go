// Package versiongate tracks protocol generations of the onboarding contract
// and answers requests addressed to retired generations with 410 Gone.
package versiongate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"

	"go.uber.org/zap"
)

// State of a protocol generation.
type State string

const (
	Active  State = "ACTIVE"
	Retired State = "RETIRED"
)

// Generation is one named iteration of the request/response contract.
type Generation struct {
	Name      string
	State     State
	Successor string
}

// Route maps a retired endpoint to its active equivalent.
type Route struct {
	Method     string
	Path       string
	ActivePath string
}

// Gate holds the generation state machine and the retired route map.
type Gate struct {
	mu          sync.RWMutex
	generations map[string]*Generation
	routes      map[string]string // "METHOD path" -> active path
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// New creates an empty gate. Use Default for the production configuration.
func New(metrics *observability.Metrics, logger *zap.Logger) *Gate {
	return &Gate{
		generations: make(map[string]*Generation),
		routes:      make(map[string]string),
		metrics:     metrics,
		logger:      logger,
	}
}

// Default returns the gate with v1 retired in favour of v2.
func Default(metrics *observability.Metrics, logger *zap.Logger) *Gate {
	g := New(metrics, logger)
	g.Register(domain.ProtocolV1)
	g.Register(domain.ProtocolV2)
	if err := g.Retire(domain.ProtocolV1, domain.ProtocolV2); err != nil {
		panic(err)
	}
	g.Map(
		Route{Method: http.MethodPost, Path: "/v1/connect/account", ActivePath: "/v2/payees/me/onboarding"},
		Route{Method: http.MethodPost, Path: "/v1/connect/account-session", ActivePath: "/v2/payees/me/onboarding"},
		Route{Method: http.MethodGet, Path: "/v1/connect/account-status", ActivePath: "/v2/payees/me/status"},
	)
	return g
}

// Register adds an ACTIVE generation. Registering a known name is a no-op.
func (g *Gate) Register(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.generations[name]; ok {
		return
	}
	g.generations[name] = &Generation{Name: name, State: Active}
}

// Retire moves an ACTIVE generation to RETIRED. RETIRED is terminal, and the
// successor must itself be ACTIVE.
func (g *Gate) Retire(name, successor string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen, ok := g.generations[name]
	if !ok {
		return fmt.Errorf("unknown protocol version %q", name)
	}
	if gen.State == Retired {
		return fmt.Errorf("protocol version %q is already retired", name)
	}
	next, ok := g.generations[successor]
	if !ok || next.State != Active || successor == name {
		return fmt.Errorf("successor %q of %q must be an active version", successor, name)
	}
	gen.State = Retired
	gen.Successor = successor
	return nil
}

// Map records active equivalents for specific retired endpoints.
func (g *Gate) Map(routes ...Route) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range routes {
		g.routes[routeKey(r.Method, r.Path)] = r.ActivePath
	}
}

// Generation returns a copy of the named generation.
func (g *Gate) Generation(name string) (Generation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	gen, ok := g.generations[name]
	if !ok {
		return Generation{}, false
	}
	return *gen, true
}

// Check returns *domain.ErrVersionRetired when the request path belongs to a
// retired generation, nil otherwise.
func (g *Gate) Check(method, path string) error {
	name := firstSegment(path)

	g.mu.RLock()
	defer g.mu.RUnlock()

	gen, ok := g.generations[name]
	if !ok || gen.State != Retired {
		return nil
	}

	active := gen.Successor
	// Follow the chain in case the successor was retired later.
	for seen := 0; seen < len(g.generations); seen++ {
		next := g.generations[active]
		if next == nil || next.State == Active {
			break
		}
		active = next.Successor
	}

	activePath, ok := g.routes[routeKey(method, strings.TrimSuffix(path, "/"))]
	if !ok {
		activePath = "/" + active
	}
	return &domain.ErrVersionRetired{Version: gen.Name, ActivePath: activePath}
}

// ============================================================
// HTTP
// ============================================================

type goneResponse struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	RetiredVersion string `json:"retiredVersion"`
	ActiveVersion  string `json:"activeVersion"`
	ActivePath     string `json:"activePath"`
}

// Middleware short-circuits retired requests before any handler runs.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := g.Check(r.Method, r.URL.Path)
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}
		retired := err.(*domain.ErrVersionRetired)

		g.metrics.IncrRetiredVersion(retired.Version)
		g.logger.Info("retired protocol version called",
			zap.String("version", retired.Version),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("active_path", retired.ActivePath),
		)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Link", fmt.Sprintf("<%s>; rel=\"successor-version\"", retired.ActivePath))
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(goneResponse{
			Error:          retired.Error(),
			Code:           "version_retired",
			RetiredVersion: retired.Version,
			ActiveVersion:  firstSegment(retired.ActivePath),
			ActivePath:     retired.ActivePath,
		})
	})
}

func routeKey(method, path string) string {
	return method + " " + path
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
