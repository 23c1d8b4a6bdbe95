package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/doodle/pkg/perfstats"
	"github.com/cyclopcam/doodle/server/historydb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type pingResponse struct {
	Greeting string `json:"greeting"`
	Backend  string `json:"backend"`
	Classes  int    `json:"classes"`
	Time     int64  `json:"time"` // Unix milliseconds
}

type statsResponse struct {
	Requests  int64                 `json:"requests"`
	Blank     int64                 `json:"blank"`
	Failed    int64                 `json:"failed"`
	TopCounts map[string]int64      `json:"topCounts"` // Class name to number of times it was the top prediction
	Normalize perfstats.TimeSummary `json:"normalize"`
	Classify  perfstats.TimeSummary `json:"classify"`
	History   *historyStats         `json:"history,omitempty"`
}

type historyStats struct {
	Total   int64                  `json:"total"`
	Classes []historydb.ClassCount `json:"classes"`
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, &pingResponse{
		Greeting: "I am a drawing classifier",
		Backend:  s.backend,
		Classes:  len(s.classes),
		Time:     time.Now().UnixMilli(),
	})
}

// Class table in model output order
func (s *Server) httpClasses(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.classes)
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	resp := statsResponse{
		TopCounts: map[string]int64{},
	}
	s.stats.lock.Lock()
	resp.Requests = s.stats.requests
	resp.Blank = s.stats.blank
	resp.Failed = s.stats.failed
	for k, v := range s.stats.topCounts {
		resp.TopCounts[k] = v
	}
	s.stats.lock.Unlock()

	normalize := s.timings.normalize.Get()
	classify := s.timings.classify.Get()
	resp.Normalize = normalize.Summary()
	resp.Classify = classify.Summary()

	if s.history != nil {
		total, err := s.history.Count()
		www.Check(err)
		classes, err := s.history.ClassCounts()
		www.Check(err)
		resp.History = &historyStats{
			Total:   total,
			Classes: classes,
		}
	}
	www.SendJSON(w, &resp)
}

// Most recent predictions, newest first
func (s *Server) httpHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.history == nil {
		www.PanicNotFound()
	}
	limit := www.QueryInt(r, "limit")
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	recent, err := s.history.Recent(limit)
	www.Check(err)
	www.SendJSON(w, recent)
}
