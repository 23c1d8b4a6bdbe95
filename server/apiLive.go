package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/cyclopcam/doodle/pkg/nn"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// A predict request over the live websocket. The client picks ID, and we echo it back.
type liveRequest struct {
	ID int64 `json:"id"`
	predictRequest
}

type liveReply struct {
	ID          int64           `json:"id"`
	Message     string          `json:"message,omitempty"`
	Predictions []nn.Prediction `json:"predictions,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type liveSessions struct {
	lock    sync.Mutex
	closing bool
	conns   map[*websocket.Conn]bool
	wg      sync.WaitGroup
}

// httpLive upgrades to a websocket, and classifies every drawing that the client sends.
// This lets the front-end predict while the user is still drawing, without an HTTP round trip per stroke.
func (s *Server) httpLive(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpLive websocket upgrade failed: %v", err)
		return
	}
	if !s.addLiveSession(c) {
		c.Close()
		return
	}
	defer s.removeLiveSession(c)
	c.SetReadLimit(s.config.MaxRequestBytes)

	s.Log.Infof("Live prediction session started from %v", r.RemoteAddr)
	nMessages := 0
	for {
		msgType, data, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Log.Infof("Live prediction session read error: %v", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		nMessages++
		reply := s.liveMessage(data)
		if err := c.WriteJSON(reply); err != nil {
			s.Log.Infof("Live prediction session write error: %v", err)
			break
		}
	}
	s.Log.Infof("Live prediction session from %v finished after %v messages", r.RemoteAddr, nMessages)
}

func (s *Server) addLiveSession(c *websocket.Conn) bool {
	s.live.lock.Lock()
	defer s.live.lock.Unlock()
	if s.live.closing {
		return false
	}
	s.live.conns[c] = true
	s.live.wg.Add(1)
	return true
}

func (s *Server) removeLiveSession(c *websocket.Conn) {
	s.live.lock.Lock()
	delete(s.live.conns, c)
	s.live.lock.Unlock()
	c.Close()
	s.live.wg.Done()
}

// closeLiveSessions disconnects all live clients, and waits for their handlers to exit.
// http.Server.Shutdown does not do this for us, because the connections have been hijacked.
func (s *Server) closeLiveSessions() {
	s.live.lock.Lock()
	s.live.closing = true
	for c := range s.live.conns {
		c.Close()
	}
	s.live.lock.Unlock()
	s.live.wg.Wait()
}

// liveMessage never panics. Failures are reported inside the reply.
func (s *Server) liveMessage(data []byte) (reply liveReply) {
	req := liveRequest{}
	defer func() {
		if rec := recover(); rec != nil {
			s.Log.Errorf("Panic in live prediction: %v", rec)
			reply = liveReply{ID: req.ID, Error: fmt.Sprintf("%v", rec)}
		}
	}()

	if err := json.Unmarshal(data, &req); err != nil {
		return liveReply{Error: "Invalid JSON: " + err.Error()}
	}
	resp, err := s.predict(&req.predictRequest)
	if err != nil {
		if !errors.Is(err, errBadDrawing) {
			s.Log.Errorf("Live prediction failed: %v", err)
		}
		return liveReply{ID: req.ID, Error: err.Error()}
	}
	return liveReply{
		ID:          req.ID,
		Message:     resp.Message,
		Predictions: resp.Predictions,
	}
}
