package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/cyclopcam/doodle/pkg/nn"
	"github.com/cyclopcam/doodle/pkg/nnload"
	"github.com/cyclopcam/doodle/pkg/sketch"
	"github.com/cyclopcam/doodle/pkg/storage"
	"github.com/cyclopcam/doodle/server/historydb"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	ServerFlagHotReloadWWW = 1 // Serve static files from disk instead of the embedded copy
)

// Server owns everything that lives for the duration of the process: the model,
// the label table, and the optional snapshot store and history DB.
type Server struct {
	Log              logs.Log
	ShutdownComplete chan error // Closed when Shutdown() has finished

	hotReloadWWW bool
	config       Config
	model        nn.Classifier
	backend      string
	classes      []nn.ClassInfo    // Model output order
	icons        map[string]string // Class name to icon
	normalize    sketch.Options
	snapshots    *snapshotWriter      // nil if disabled
	history      *historydb.HistoryDB // nil if disabled
	stats        serverStats
	timings      serverTimings
	live         liveSessions
	stop         chan struct{}  // Closed when background goroutines must exit
	background   sync.WaitGroup // Background goroutines

	shutdownOnce sync.Once
	signalIn     chan os.Signal
	httpLock     sync.Mutex // Guards httpServer and httpClosed
	httpServer   *http.Server
	httpClosed   bool // Shutdown has run, so Listen must not start a new server
	httpRouter   *httprouter.Router
	handler      http.Handler
	wsUpgrader   websocket.Upgrader
}

// NewServer loads the model described by cfg, and prepares the HTTP routes.
func NewServer(logger logs.Log, cfg *Config, flags int) (*Server, error) {
	model, err := nnload.LoadModel(logger, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("Failed to load model: %w", err)
	}
	s, err := NewServerWithModel(logger, cfg, model, flags)
	if err != nil {
		model.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithModel creates a server around an already loaded model.
// The server takes ownership of model, and closes it on Shutdown.
func NewServerWithModel(logger logs.Log, cfg *Config, model nn.Classifier, flags int) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	modelCfg := model.Config()
	if modelCfg.Width <= 0 || modelCfg.Height <= 0 || modelCfg.Width != modelCfg.Height {
		return nil, fmt.Errorf("Model input must be square, but is %v x %v", modelCfg.Width, modelCfg.Height)
	}
	if err := nnload.CheckClasses(model); err != nil {
		return nil, err
	}

	icons := nn.DefaultIcons()
	for k, v := range cfg.Icons {
		icons[k] = v
	}
	classes := []nn.ClassInfo{}
	for _, c := range modelCfg.Classes {
		if icons[c] == "" {
			logger.Warnf("No icon for class '%v'", c)
		}
		classes = append(classes, nn.ClassInfo{ClassName: c, Image: icons[c]})
	}

	normalize := sketch.DefaultOptions()
	normalize.Size = modelCfg.Width
	normalize.Invert = cfg.Normalize.Invert

	s := &Server{
		Log:              logger,
		ShutdownComplete: make(chan error, 1),
		stop:             make(chan struct{}),
		hotReloadWWW:     (flags & ServerFlagHotReloadWWW) != 0,
		config:           *cfg,
		model:            model,
		backend:          nnload.BackendName(model),
		classes:          classes,
		icons:            icons,
		normalize:        normalize,
	}
	s.stats.topCounts = map[string]int64{}
	s.live.conns = map[*websocket.Conn]bool{}
	s.wsUpgrader.CheckOrigin = s.checkWebSocketOrigin

	if cfg.DebugSnapshots != nil {
		var store storage.Store
		var err error
		if cfg.DebugSnapshots.GCS != nil {
			store, err = storage.NewStorageGCS(logger, cfg.DebugSnapshots.GCS.Bucket, cfg.DebugSnapshots.GCS.Public)
		} else {
			store, err = storage.NewStorageFS(logger, cfg.DebugSnapshots.Filesystem.Root)
		}
		if err != nil {
			return nil, fmt.Errorf("Failed to open debug snapshot storage: %w", err)
		}
		s.snapshots = newSnapshotWriter(logger, store, cfg.DebugSnapshots.KeepAll, cfg.DebugSnapshots.MaxKeep)
	}

	if cfg.History != nil {
		history, err := historydb.NewHistoryDB(logger, cfg.History.DB)
		if err != nil {
			return nil, err
		}
		s.history = history
		if cfg.History.RetentionDays > 0 {
			s.background.Add(1)
			go s.historyRetention(time.Duration(cfg.History.RetentionDays) * 24 * time.Hour)
		}
	}

	if err := s.setupHttpRoutes(); err != nil {
		close(s.stop)
		s.background.Wait()
		if s.history != nil {
			s.history.Close()
		}
		return nil, err
	}
	return s, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	srv, err := s.setHTTPServer(&http.Server{
		Addr:    port,
		Handler: s.handler,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe()
}

// ListenHTTPS serves on :443, with certificates obtained automatically from Let's Encrypt
func (s *Server) ListenHTTPS() error {
	cfg := s.config.HTTPS
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = cfg.Email
	if cfg.CertDirectory != "" {
		certmagic.Default.Storage = &certmagic.FileStorage{Path: cfg.CertDirectory}
	}
	tlsConfig, err := certmagic.TLS([]string{cfg.Domain})
	if err != nil {
		return fmt.Errorf("Failed to setup TLS for %v: %w", cfg.Domain, err)
	}
	tlsConfig.NextProtos = append([]string{"h2", "http/1.1"}, tlsConfig.NextProtos...)
	s.Log.Infof("Listening on :443 for %v", cfg.Domain)
	srv, err := s.setHTTPServer(&http.Server{
		Addr:      ":443",
		Handler:   s.handler,
		TLSConfig: tlsConfig,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServeTLS("", "")
}

// setHTTPServer records srv so that Shutdown can stop it.
// If Shutdown has already run, it returns http.ErrServerClosed.
func (s *Server) setHTTPServer(srv *http.Server) (*http.Server, error) {
	s.httpLock.Lock()
	defer s.httpLock.Unlock()
	if s.httpClosed {
		return nil, http.ErrServerClosed
	}
	s.httpServer = srv
	return srv, nil
}

// Listen uses HTTPS if it is configured, otherwise plain HTTP
func (s *Server) Listen() error {
	if s.config.HTTPS != nil {
		return s.ListenHTTPS()
	}
	return s.ListenHTTP(s.config.Listen)
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// This path gets hit when Shutdown() is called by something other than ourselves, and Shutdown() closes the signalIn channel.
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// historyRetention deletes old predictions once at startup, and then every hour
func (s *Server) historyRetention(maxAge time.Duration) {
	defer s.background.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := s.history.DeleteOlderThan(time.Now().Add(-maxAge))
		if err != nil {
			s.Log.Errorf("Failed to delete old prediction history: %v", err)
		} else if n != 0 {
			s.Log.Infof("Deleted %v predictions older than %v", n, maxAge)
		}
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) closeResources() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.background.Wait()
	s.closeLiveSessions()
	if s.snapshots != nil {
		s.snapshots.Wait()
	}
	if s.history != nil {
		s.history.Close()
	}
	s.model.Close()
}

func (s *Server) Shutdown() {
	// Both a kill signal and a failed Listen can get here
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	s.httpLock.Lock()
	httpServer := s.httpServer
	s.httpClosed = true
	s.httpLock.Unlock()

	var err error
	if httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = httpServer.Shutdown(ctx)
		cancel()
	}
	s.closeResources()
	if err != nil {
		s.Log.Warnf("Shutdown complete, with error: %v", err)
	} else {
		s.Log.Infof("Shutdown complete")
	}
	s.ShutdownComplete <- err
	close(s.ShutdownComplete)
	s.Log.Close()
}
