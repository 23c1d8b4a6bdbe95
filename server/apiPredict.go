package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cyclopcam/doodle/pkg/nn"
	"github.com/cyclopcam/doodle/pkg/perfstats"
	"github.com/cyclopcam/doodle/pkg/sketch"
	"github.com/cyclopcam/doodle/server/historydb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// A drawing, as captured by the front-end with getImageData()
type predictRequest struct {
	Pixels []int `json:"pixels"` // RGBA, row major, Width * Height * 4 values in [0, 255]
	Width  int   `json:"width"`
	Height int   `json:"height"`

	// Older clients send their own copy of the class table. It is ignored.
	Predictions json.RawMessage `json:"predictions,omitempty"`
}

type predictResponse struct {
	Message     string          `json:"message"`
	Predictions []nn.Prediction `json:"predictions"`
}

// errBadDrawing is a problem with the client's payload
var errBadDrawing = errors.New("Invalid drawing")

type serverStats struct {
	lock      sync.Mutex
	requests  int64
	blank     int64
	failed    int64
	topCounts map[string]int64
}

// Timings have their own locks
type serverTimings struct {
	normalize perfstats.SyncTimeAccumulator
	classify  perfstats.SyncTimeAccumulator
}

// validate checks the payload and converts it to bytes
func (req *predictRequest) validate(maxSide int) ([]byte, error) {
	if req.Width <= 0 || req.Height <= 0 {
		return nil, fmt.Errorf("%w: width and height must be positive, but are %v x %v", errBadDrawing, req.Width, req.Height)
	}
	if req.Width > maxSide || req.Height > maxSide {
		return nil, fmt.Errorf("%w: %v x %v exceeds the maximum size of %v", errBadDrawing, req.Width, req.Height, maxSide)
	}
	if len(req.Pixels) != req.Width*req.Height*4 {
		return nil, fmt.Errorf("%w: expected %v pixel values for %v x %v RGBA, but got %v", errBadDrawing, req.Width*req.Height*4, req.Width, req.Height, len(req.Pixels))
	}
	rgba := make([]byte, len(req.Pixels))
	for i, v := range req.Pixels {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: pixel value %v at index %v is outside of [0, 255]", errBadDrawing, v, i)
		}
		rgba[i] = byte(v)
	}
	return rgba, nil
}

// predict runs a drawing through the whole pipeline. Errors wrapping errBadDrawing are the client's fault.
func (s *Server) predict(req *predictRequest) (*predictResponse, error) {
	rgba, err := req.validate(s.config.MaxCanvasSide)
	if err != nil {
		s.stats.lock.Lock()
		s.stats.failed++
		s.stats.lock.Unlock()
		return nil, err
	}

	start := time.Now()
	img, err := sketch.FromRGBA(rgba, req.Width, req.Height)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadDrawing, err)
	}
	normalized, box, hasStrokes := sketch.NormalizeWithBox(img, s.normalize)
	blank := normalized.IsBlank()
	normalizeTime := time.Since(start)

	probs, err := s.model.Classify(normalized.Float32())
	if err != nil {
		return nil, fmt.Errorf("Classification failed: %w", err)
	}
	elapsed := time.Since(start)
	s.timings.normalize.AddSample(normalizeTime)
	s.timings.classify.AddSample(elapsed - normalizeTime)
	predictions := nn.Rank(probs, s.model.Config().Classes, s.icons)

	s.stats.lock.Lock()
	s.stats.requests++
	if blank {
		s.stats.blank++
	} else {
		s.stats.topCounts[predictions[0].ClassName]++
	}
	s.stats.lock.Unlock()

	if s.history != nil {
		err := s.history.Add(&historydb.Prediction{
			Width:          req.Width,
			Height:         req.Height,
			Blank:          blank,
			TopClass:       predictions[0].ClassName,
			TopPercentage:  predictions[0].Percentage,
			DurationMicros: elapsed.Microseconds(),
			Backend:        s.backend,
		})
		if err != nil {
			s.Log.Errorf("Failed to record prediction history: %v", err)
		}
	}

	if s.snapshots != nil {
		s.snapshots.Save(rgba, req.Width, req.Height, box, hasStrokes, normalized)
	}

	return &predictResponse{
		Message:     "Predictions updated",
		Predictions: predictions,
	}, nil
}

func (s *Server) httpPredict(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	req := predictRequest{}
	www.ReadJSON(w, r, &req, s.config.MaxRequestBytes)
	resp, err := s.predict(&req)
	if errors.Is(err, errBadDrawing) {
		www.PanicBadRequestf("%v", err)
	}
	www.Check(err)
	www.SendJSON(w, resp)
}
