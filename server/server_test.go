package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/doodle/pkg/cnn"
	"github.com/cyclopcam/doodle/pkg/nn"
	"github.com/cyclopcam/doodle/server/historydb"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// stubClassifier returns the same probabilities for every input, and remembers what it was given
type stubClassifier struct {
	config *nn.ModelConfig
	probs  []float32
	inputs [][]float32
	closed bool
}

func (c *stubClassifier) Close() {
	c.closed = true
}

func (c *stubClassifier) Config() *nn.ModelConfig {
	return c.config
}

func (c *stubClassifier) Classify(input []float32) ([]float32, error) {
	c.inputs = append(c.inputs, append([]float32(nil), input...))
	return append([]float32(nil), c.probs...), nil
}

func newStubClassifier() *stubClassifier {
	config := nn.NewDrawingModelConfig()
	probs := make([]float32, len(config.Classes))
	for i := range probs {
		probs[i] = 0.05
	}
	// "square" is the clear winner
	probs[1] = 0.5
	return &stubClassifier{config: config, probs: probs}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimit.Requests = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *Config, model nn.Classifier) *Server {
	t.Helper()
	s, err := NewServerWithModel(logs.NewTestingLog(t), cfg, model, 0)
	require.NoError(t, err)
	t.Cleanup(s.closeResources)
	return s
}

func newNativeModel(t *testing.T) nn.Classifier {
	t.Helper()
	config := nn.NewDrawingModelConfig()
	weights := cnn.RandomWeights(cnn.DrawingClassifier(len(config.Classes)), 123)
	model, err := cnn.NewClassifier(config, weights, nn.ThreadingModeSingle)
	require.NoError(t, err)
	return model
}

// Build a request for a black canvas, with white pixels at the given coordinates
func makeDrawing(width, height int, white ...[2]int) *predictRequest {
	pix := make([]int, width*height*4)
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 255
	}
	for _, p := range white {
		i := (p[1]*width + p[0]) * 4
		pix[i], pix[i+1], pix[i+2] = 255, 255, 255
	}
	return &predictRequest{
		Pixels: pix,
		Width:  width,
		Height: height,
	}
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var b []byte
	if raw, ok := body.(string); ok {
		b = []byte(raw)
	} else {
		var err error
		b, err = json.Marshal(body)
		require.NoError(t, err)
	}
	r := httptest.NewRequest("POST", path, bytes.NewReader(b))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %v", w.Body.String())
	return v
}

func corners() *predictRequest {
	return makeDrawing(8, 8, [2]int{0, 0}, [2]int{7, 0}, [2]int{0, 7}, [2]int{7, 7})
}

func TestPredictNative(t *testing.T) {
	s := newTestServer(t, testConfig(), newNativeModel(t))

	for _, path := range []string{"/predict", "/api/predict"} {
		w := postJSON(t, s, path, corners())
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[predictResponse](t, w)
		require.Equal(t, "Predictions updated", resp.Message)
		require.Len(t, resp.Predictions, len(nn.DefaultClasses()))

		total := 0.0
		seen := map[string]bool{}
		for i, p := range resp.Predictions {
			if i > 0 {
				require.GreaterOrEqual(t, resp.Predictions[i-1].Percentage, p.Percentage)
			}
			require.NotEmpty(t, p.Image)
			seen[p.ClassName] = true
			total += p.Percentage
		}
		require.Len(t, seen, len(nn.DefaultClasses()))
		require.InDelta(t, 100.0, total, 0.01)
	}
}

func TestPredictStub(t *testing.T) {
	model := newStubClassifier()
	s := newTestServer(t, testConfig(), model)

	w := postJSON(t, s, "/predict", corners())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[predictResponse](t, w)
	require.Equal(t, "square", resp.Predictions[0].ClassName)
	require.Equal(t, "check_box_outline_blank", resp.Predictions[0].Image)
	require.InDelta(t, 50.0, resp.Predictions[0].Percentage, 1e-4)

	// The model saw the normalized image: 28x28, with the four corners lit up.
	require.Len(t, model.inputs, 1)
	input := model.inputs[0]
	require.Len(t, input, 28*28)
	require.Greater(t, input[4*28+4], float32(0.7))
	require.Equal(t, float32(0), input[0])
	require.Equal(t, float32(0), input[14*28+14])
}

func TestPredictIgnoresClientClassTable(t *testing.T) {
	s := newTestServer(t, testConfig(), newStubClassifier())
	body := `{"pixels": [0,0,0,255], "width": 1, "height": 1, "predictions": [{"className": "banana", "percentage": 0, "image": ""}]}`
	w := postJSON(t, s, "/predict", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[predictResponse](t, w)
	for _, p := range resp.Predictions {
		require.NotEqual(t, "banana", p.ClassName)
	}
}

func TestPredictBlank(t *testing.T) {
	model := newStubClassifier()
	s := newTestServer(t, testConfig(), model)

	w := postJSON(t, s, "/predict", makeDrawing(50, 40))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[predictResponse](t, w)
	require.Len(t, resp.Predictions, len(nn.DefaultClasses()))
	for _, v := range model.inputs[0] {
		require.Equal(t, float32(0), v)
	}

	stats := decode[statsResponse](t, get(t, s, "/api/stats"))
	require.Equal(t, int64(1), stats.Requests)
	require.Equal(t, int64(1), stats.Blank)
	require.Empty(t, stats.TopCounts)
}

func TestPredictBadRequests(t *testing.T) {
	s := newTestServer(t, testConfig(), newStubClassifier())

	badPixel := makeDrawing(2, 2)
	badPixel.Pixels[5] = 256
	negative := makeDrawing(2, 2)
	negative.Pixels[0] = -1
	short := makeDrawing(3, 3)
	short.Pixels = short.Pixels[:len(short.Pixels)-1]
	huge := &predictRequest{Width: 5000, Height: 1}

	cases := []struct {
		name string
		body any
	}{
		{"malformed", `{"pixels": [1, 2`},
		{"not an object", `[1, 2, 3]`},
		{"out of range", badPixel},
		{"negative", negative},
		{"wrong length", short},
		{"zero size", &predictRequest{}},
		{"too large", huge},
	}
	for _, c := range cases {
		w := postJSON(t, s, "/predict", c.body)
		require.Equal(t, http.StatusBadRequest, w.Code, "%v: %v", c.name, w.Body.String())
		require.Equal(t, "application/json", w.Header().Get("Content-Type"), c.name)
		e := decode[errorResponse](t, w)
		require.NotEmpty(t, e.Error, c.name)
	}

	stats := decode[statsResponse](t, get(t, s, "/api/stats"))
	require.Equal(t, int64(0), stats.Requests)
	require.Equal(t, int64(5), stats.Failed)
}

func TestPredictMethod(t *testing.T) {
	s := newTestServer(t, testConfig(), newStubClassifier())
	w := get(t, s, "/api/predict")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = RateLimitConfig{Requests: 2, WindowSeconds: 60}
	s := newTestServer(t, cfg, newStubClassifier())

	require.Equal(t, http.StatusOK, postJSON(t, s, "/predict", corners()).Code)
	require.Equal(t, http.StatusOK, postJSON(t, s, "/predict", corners()).Code)
	w := postJSON(t, s, "/predict", corners())
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "Too many requests", decode[errorResponse](t, w).Error)
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.CorsOrigins = []string{"http://localhost:5173"}
	s := newTestServer(t, cfg, newStubClassifier())

	r := httptest.NewRequest("OPTIONS", "/predict", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	r.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	require.Contains(t, []int{http.StatusOK, http.StatusNoContent}, w.Code)
	require.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")

	r = httptest.NewRequest("GET", "/api/ping", nil)
	r.Header.Set("Origin", "http://evil.example.com")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "", w.Header().Get("Access-Control-Allow-Origin"))

	cfg.CorsOrigins = []string{"*"}
	s = newTestServer(t, cfg, newStubClassifier())
	r = httptest.NewRequest("GET", "/api/ping", nil)
	r.Header.Set("Origin", "http://anywhere.example.com")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	require.Contains(t, []string{"*", "http://anywhere.example.com"}, w.Header().Get("Access-Control-Allow-Origin"))

	// A disallowed preflight gets no CORS headers, so the browser refuses the real request
	cfg.CorsOrigins = []string{"http://localhost:5173"}
	s = newTestServer(t, cfg, newStubClassifier())
	r = httptest.NewRequest("OPTIONS", "/predict", nil)
	r.Header.Set("Origin", "http://evil.example.com")
	r.Header.Set("Access-Control-Request-Method", "POST")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, "", w.Header().Get("Access-Control-Allow-Origin"))

	// No origins configured means no cross-origin access at all
	cfg.CorsOrigins = nil
	s = newTestServer(t, cfg, newStubClassifier())
	r = httptest.NewRequest("GET", "/api/ping", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPingAndClasses(t *testing.T) {
	s := newTestServer(t, testConfig(), newNativeModel(t))

	ping := decode[pingResponse](t, get(t, s, "/api/ping"))
	require.Equal(t, "native", ping.Backend)
	require.Equal(t, len(nn.DefaultClasses()), ping.Classes)
	require.NotZero(t, ping.Time)

	classes := decode[[]nn.ClassInfo](t, get(t, s, "/api/classes"))
	require.Equal(t, nn.DefaultClasses(), classes)
}

func TestIconOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Icons = map[string]string{"circle": "O"}
	s := newTestServer(t, cfg, newStubClassifier())
	classes := decode[[]nn.ClassInfo](t, get(t, s, "/api/classes"))
	require.Equal(t, "circle", classes[0].ClassName)
	require.Equal(t, "O", classes[0].Image)
}

func TestStats(t *testing.T) {
	s := newTestServer(t, testConfig(), newStubClassifier())
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, postJSON(t, s, "/predict", corners()).Code)
	}
	stats := decode[statsResponse](t, get(t, s, "/api/stats"))
	require.Equal(t, int64(3), stats.Requests)
	require.Equal(t, int64(0), stats.Blank)
	require.Equal(t, map[string]int64{"square": 3}, stats.TopCounts)
	require.Equal(t, int64(3), stats.Normalize.Samples)
	require.Equal(t, int64(3), stats.Classify.Samples)
	require.Nil(t, stats.History)

	// History is disabled
	require.Equal(t, http.StatusNotFound, get(t, s, "/api/history").Code)
}

func TestHistory(t *testing.T) {
	cfg := testConfig()
	cfg.History = &HistoryConfig{
		DB: dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "history.sqlite")),
	}
	s := newTestServer(t, cfg, newStubClassifier())

	require.Equal(t, http.StatusOK, postJSON(t, s, "/predict", corners()).Code)
	require.Equal(t, http.StatusOK, postJSON(t, s, "/predict", makeDrawing(10, 10)).Code)
	require.Equal(t, http.StatusOK, postJSON(t, s, "/predict", makeDrawing(12, 9, [2]int{3, 3})).Code)

	recent := decode[[]historydb.Prediction](t, get(t, s, "/api/history?limit=2"))
	require.Len(t, recent, 2)
	require.Equal(t, 12, recent[0].Width)
	require.Equal(t, 9, recent[0].Height)
	require.False(t, recent[0].Blank)
	require.True(t, recent[1].Blank)
	require.Equal(t, "square", recent[0].TopClass)
	require.Equal(t, "unknown", recent[0].Backend)

	stats := decode[statsResponse](t, get(t, s, "/api/stats"))
	require.NotNil(t, stats.History)
	require.Equal(t, int64(3), stats.History.Total)
	require.Equal(t, []historydb.ClassCount{{TopClass: "square", Count: 2}}, stats.History.Classes)
}

func TestHistoryRetention(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "history.sqlite")
	db, err := historydb.NewSqliteHistoryDB(logs.NewTestingLog(t), dbFile)
	require.NoError(t, err)
	require.NoError(t, db.Add(&historydb.Prediction{CreatedAt: dbh.MakeIntTime(time.Now().Add(-72 * time.Hour)), TopClass: "cat"}))
	require.NoError(t, db.Add(&historydb.Prediction{TopClass: "dog"}))
	db.Close()

	cfg := testConfig()
	cfg.History = &HistoryConfig{
		DB:            dbh.MakeSqliteConfig(dbFile),
		RetentionDays: 2,
	}
	s := newTestServer(t, cfg, newStubClassifier())
	require.Eventually(t, func() bool {
		n, err := s.history.Count()
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	recent := decode[[]historydb.Prediction](t, get(t, s, "/api/history"))
	require.Len(t, recent, 1)
	require.Equal(t, "dog", recent[0].TopClass)
}

func TestDebugSnapshots(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.DebugSnapshots = &SnapshotConfig{
		Filesystem: &StorageConfigFS{Root: dir},
	}
	s := newTestServer(t, cfg, newStubClassifier())

	require.Equal(t, http.StatusOK, postJSON(t, s, "/predict", corners()).Code)
	require.Equal(t, http.StatusOK, postJSON(t, s, "/predict", makeDrawing(20, 20, [2]int{5, 5})).Code)
	s.snapshots.Wait()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{snapshotRawName, snapshotNormalizedName}, names)

	raw, err := os.ReadFile(filepath.Join(dir, snapshotRawName))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(raw, []byte("\x89PNG")))
	jpg, err := os.ReadFile(filepath.Join(dir, snapshotNormalizedName))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(jpg, []byte{0xff, 0xd8}))
}

func TestDebugSnapshotsKeepAll(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.DebugSnapshots = &SnapshotConfig{
		Filesystem: &StorageConfigFS{Root: dir},
		KeepAll:    true,
	}
	s := newTestServer(t, cfg, newStubClassifier())

	require.Equal(t, http.StatusOK, postJSON(t, s, "/predict", corners()).Code)
	s.snapshots.Wait()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.NotEqual(t, snapshotRawName, e.Name())
		require.True(t, strings.HasSuffix(e.Name(), "-"+snapshotRawName) || strings.HasSuffix(e.Name(), "-"+snapshotNormalizedName), e.Name())
	}
}

func TestDebugSnapshotsMaxKeep(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.DebugSnapshots = &SnapshotConfig{
		Filesystem: &StorageConfigFS{Root: dir},
		KeepAll:    true,
		MaxKeep:    2,
	}
	s := newTestServer(t, cfg, newStubClassifier())

	for i := 0; i < 4; i++ {
		require.Equal(t, http.StatusOK, postJSON(t, s, "/predict", corners()).Code)
		s.snapshots.Wait()
		time.Sleep(2 * time.Millisecond)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	nRaw, nNormalized := 0, 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "-"+snapshotRawName) {
			nRaw++
		} else if strings.HasSuffix(e.Name(), "-"+snapshotNormalizedName) {
			nNormalized++
		}
	}
	require.Equal(t, 2, nRaw)
	require.Equal(t, 2, nNormalized)
}

func TestLive(t *testing.T) {
	s := newTestServer(t, testConfig(), newStubClassifier())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	req := liveRequest{ID: 7, predictRequest: *corners()}
	require.NoError(t, conn.WriteJSON(&req))
	reply := liveReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, int64(7), reply.ID)
	require.Empty(t, reply.Error)
	require.Equal(t, "Predictions updated", reply.Message)
	require.Equal(t, "square", reply.Predictions[0].ClassName)

	// A bad drawing is reported, and the session stays open
	bad := liveRequest{ID: 8, predictRequest: predictRequest{Width: 2, Height: 2}}
	require.NoError(t, conn.WriteJSON(&bad))
	reply = liveReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, int64(8), reply.ID)
	require.Contains(t, reply.Error, "Invalid drawing")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	reply = liveReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Contains(t, reply.Error, "Invalid JSON")

	req.ID = 9
	require.NoError(t, conn.WriteJSON(&req))
	reply = liveReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, int64(9), reply.ID)
	require.Len(t, reply.Predictions, len(nn.DefaultClasses()))
}

func TestLiveOrigin(t *testing.T) {
	s := newTestServer(t, testConfig(), newStubClassifier())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live"
	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServerRejectsMismatchedModel(t *testing.T) {
	config := nn.NewDrawingModelConfig()
	weights := cnn.RandomWeights(cnn.DrawingClassifier(5), 1)
	_, err := cnn.NewClassifier(config, weights, nn.ThreadingModeSingle)
	require.Error(t, err)

	model := newStubClassifier()
	model.config = &nn.ModelConfig{Width: 28, Height: 20, Classes: []string{"a"}}
	_, err = NewServerWithModel(logs.NewTestingLog(t), testConfig(), model, 0)
	require.ErrorContains(t, err, "square")
}

func TestShutdownTwice(t *testing.T) {
	// The signal goroutine may log after the test returns, so don't log to t
	log := &logs.Logger{Output: io.Discard}
	model := newStubClassifier()
	s, err := NewServerWithModel(log, testConfig(), model, 0)
	require.NoError(t, err)
	s.ListenForKillSignals()

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- s.ListenHTTP("127.0.0.1:0")
	}()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Shutdown()
		}()
	}
	wg.Wait()
	s.Shutdown()

	require.NoError(t, <-s.ShutdownComplete)
	_, ok := <-s.ShutdownComplete
	require.False(t, ok)
	require.True(t, model.closed)

	select {
	case err := <-listenErr:
		require.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenHTTP did not return after Shutdown")
	}
	// No new server after Shutdown
	require.ErrorIs(t, s.ListenHTTP("127.0.0.1:0"), http.ErrServerClosed)
}

func TestConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "doodle.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"listen": ":9000", "rateLimit": {"requests": 5, "windowSeconds": 10}, "corsOrigins": ["*"]}`), 0644))
	cfg, err := LoadConfig(file)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, 5, cfg.RateLimit.Requests)
	require.Equal(t, []string{"*"}, cfg.CorsOrigins)
	// Defaults survive
	require.Equal(t, int64(64*1024*1024), cfg.MaxRequestBytes)
	require.Equal(t, "drawing-classifier", cfg.Model.Name)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(file, []byte(`{"debugSnapshots": {}}`), 0644))
	_, err = LoadConfig(file)
	require.ErrorContains(t, err, "debugSnapshots")

	require.NoError(t, os.WriteFile(file, []byte(`{"listen": `), 0644))
	_, err = LoadConfig(file)
	require.ErrorContains(t, err, "Error parsing")

	bad := DefaultConfig()
	bad.HTTPS = &HTTPSConfig{}
	require.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.RateLimit.WindowSeconds = 0
	require.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.MaxCanvasSide = 0
	require.Error(t, bad.Validate())
}
