package server

import (
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/cyclopcam/staticfiles"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

//go:embed www
var staticWWW embed.FS

func (s *Server) setupHttpRoutes() error {
	logEveryRequest := false
	router := httprouter.New()

	// unprotected creates an HTTP handler that is accessible without authentication
	unprotected := func(method, route string, handle httprouter.Handle) {
		handleJSON(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	// ratelimited is unprotected, but limits the number of requests per IP
	ratelimited := func(method, route string, handle httprouter.Handle) {
		if s.config.RateLimit.Requests == 0 {
			unprotected(method, route, handle)
			return
		}
		window := time.Duration(s.config.RateLimit.WindowSeconds) * time.Second
		limited := httprate.Limit(s.config.RateLimit.Requests, window,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				sendJSONError(w, "Too many requests", http.StatusTooManyRequests)
			}))
		unprotected(method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	ratelimited("POST", "/predict", s.httpPredict)
	ratelimited("POST", "/api/predict", s.httpPredict)
	unprotected("GET", "/api/live", s.httpLive)
	unprotected("GET", "/api/ping", s.httpPing)
	unprotected("GET", "/api/classes", s.httpClasses)
	unprotected("GET", "/api/stats", s.httpStats)
	unprotected("GET", "/api/history", s.httpHistory)

	isImmutable := true
	var fsys fs.FS
	fsysRoot := "www"
	fsys = staticWWW
	if s.hotReloadWWW {
		relRoot := "server/www"
		absRoot, err := filepath.Abs(relRoot)
		if err != nil {
			s.Log.Errorf("Failed to resolve static file directory %v: %v", relRoot, err)
			return errors.New("Failed to resolve static file directory for hot reload")
		}
		s.Log.Infof("Serving static files from %v, with hot reload", absRoot)
		fsys = os.DirFS(absRoot)
		fsysRoot = ""
		isImmutable = false
	}

	static, err := staticfiles.NewCachedStaticFileServer(fsys, fsysRoot, []string{"/api/", "/predict"}, s.Log, isImmutable, nil)
	if err != nil {
		s.Log.Warnf("Error in static files: %v", err)
	} else {
		router.NotFound = static
	}

	s.httpRouter = router
	s.handler = s.withCORS(router)
	return nil
}

// Returns true if a browser page from origin may call our API
func (s *Server) isOriginAllowed(origin string) bool {
	return slices.Contains(s.config.CorsOrigins, "*") || slices.Contains(s.config.CorsOrigins, origin)
}

// withCORS answers preflight requests, and adds the CORS headers for allowed origins
func (s *Server) withCORS(next http.Handler) http.Handler {
	// Without AllowOriginFunc, an empty origin list would allow every origin
	allow := func(r *http.Request, origin string) bool {
		return s.isOriginAllowed(origin)
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:  s.config.CorsOrigins,
		AllowOriginFunc: allow,
		AllowedMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:  []string{"Content-Type"},
		MaxAge:          600,
	})(next)
}

// Websockets are allowed from our own host, and from the CORS origins
func (s *Server) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.isOriginAllowed(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
