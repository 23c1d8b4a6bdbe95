package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

type errorResponse struct {
	Error string `json:"error"`
}

func sendJSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}

// jsonErrorWriter turns the plain text error responses of www.SendError into
// {"error": "..."} JSON. Everything else passes through untouched.
type jsonErrorWriter struct {
	http.ResponseWriter
	failed bool
}

func (j *jsonErrorWriter) WriteHeader(code int) {
	if code >= 400 && strings.HasPrefix(j.Header().Get("Content-Type"), "text/plain") {
		j.failed = true
		j.Header().Set("Content-Type", "application/json")
	}
	j.ResponseWriter.WriteHeader(code)
}

func (j *jsonErrorWriter) Write(b []byte) (int, error) {
	if !j.failed {
		return j.ResponseWriter.Write(b)
	}
	if err := json.NewEncoder(j.ResponseWriter).Encode(errorResponse{Error: string(b)}); err != nil {
		return 0, err
	}
	return len(b), nil
}

// runProtected is www.RunProtected, with errors sent to the client as JSON.
// Only the error response goes through jsonErrorWriter. handler writes to w directly.
func runProtected(log logs.Log, w http.ResponseWriter, r *http.Request, handler func()) {
	www.RunProtected(log, &jsonErrorWriter{ResponseWriter: w}, r, handler)
}

// handleJSON adds a route whose failures are reported as JSON
func handleJSON(log logs.Log, router *httprouter.Router, method, path string, handle httprouter.Handle) {
	router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		runProtected(log, w, r, func() { handle(w, r, p) })
	})
}
