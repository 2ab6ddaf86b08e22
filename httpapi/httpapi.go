package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kjk/kvlog/log"
	"github.com/kjk/kvlog/store"
)

// request and response bodies, shared with package client

type SetRequest struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

type SetResponse struct {
	Inserted   bool    `json:"inserted"`
	EjectedVal *string `json:"ejected_val"`
}

type GetResponse struct {
	Found bool    `json:"found"`
	Val   *string `json:"val"`
}

type RemoveRequest struct {
	Key string `json:"key"`
}

type RemoveResponse struct {
	Removed    bool    `json:"removed"`
	Found      bool    `json:"found"`
	EjectedVal *string `json:"ejected_val"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// KV is what the handlers need from the store
type KV interface {
	Set(key, val string) (string, bool, error)
	Get(key string) (string, bool, error)
	Remove(key string) (string, error)
}

// keys are limited only by request body size
const maxBodySize = 64 << 20

func serveJSON(w http.ResponseWriter, v any, code int) {
	d, err := json.Marshal(v)
	if err != nil {
		log.Errorf("json.Marshal of %T failed with '%s'\n", v, err)
		code = http.StatusInternalServerError
		d = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(d)
}

func serveError(w http.ResponseWriter, code int, format string, args ...any) {
	serveJSON(w, ErrorResponse{Error: fmt.Sprintf(format, args...)}, code)
}

// serveStoreError maps I/O and corruption errors to 500
func serveStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrCorrupt) {
		log.Errorf("%s %s: %s\n", r.Method, r.URL.Path, err)
	} else {
		log.Logf("%s %s: %s\n", r.Method, r.URL.Path, err)
	}
	serveError(w, http.StatusInternalServerError, "%s", err)
}

func decodeBody(r *http.Request, v any) error {
	d, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	if len(d) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(d, v)
}

func strPtr(s string) *string {
	return &s
}

// Handler returns http.Handler serving the API on top of kv
func Handler(kv KV) http.Handler {
	h := &handlers{kv: kv}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("POST /set", h.handleSet)
	mux.HandleFunc("GET /get", h.handleGet)
	mux.HandleFunc("DELETE /rm", h.handleRemove)
	return withLogging(mux)
}

type handlers struct {
	kv KV
}

// GET /
func (h *handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	serveJSON(w, map[string]bool{"up": true}, http.StatusOK)
}

// POST /set
// {"key": "a", "val": "1"}
func (h *handlers) handleSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key *string `json:"key"`
		Val *string `json:"val"`
	}
	if err := decodeBody(r, &req); err != nil {
		serveError(w, http.StatusBadRequest, "invalid json body: %s", err)
		return
	}
	if req.Key == nil || req.Val == nil {
		serveError(w, http.StatusBadRequest, "body must have 'key' and 'val'")
		return
	}
	old, hadOld, err := h.kv.Set(*req.Key, *req.Val)
	if err != nil {
		serveStoreError(w, r, err)
		return
	}
	res := SetResponse{Inserted: true}
	if hadOld {
		res.EjectedVal = strPtr(old)
	}
	serveJSON(w, res, http.StatusOK)
}

// GET /get?key=a
func (h *handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("key") {
		serveError(w, http.StatusBadRequest, "missing 'key' argument")
		return
	}
	val, found, err := h.kv.Get(q.Get("key"))
	if err != nil {
		serveStoreError(w, r, err)
		return
	}
	res := GetResponse{Found: found}
	if found {
		res.Val = strPtr(val)
	}
	serveJSON(w, res, http.StatusOK)
}

// DELETE /rm
// {"key": "a"}
func (h *handlers) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key *string `json:"key"`
	}
	if err := decodeBody(r, &req); err != nil {
		serveError(w, http.StatusBadRequest, "invalid json body: %s", err)
		return
	}
	if req.Key == nil {
		serveError(w, http.StatusBadRequest, "body must have 'key'")
		return
	}
	old, err := h.kv.Remove(*req.Key)
	if store.IsKeyNotFound(err) {
		serveJSON(w, RemoveResponse{}, http.StatusOK)
		return
	}
	if err != nil {
		serveStoreError(w, r, err)
		return
	}
	res := RemoveResponse{
		Removed:    true,
		Found:      true,
		EjectedVal: strPtr(old),
	}
	serveJSON(w, res, http.StatusOK)
}

// CapturingResponseWriter remembers status code and size of the response
type CapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Size       int64
}

func (w *CapturingResponseWriter) WriteHeader(statusCode int) {
	w.StatusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *CapturingResponseWriter) Write(d []byte) (int, error) {
	if w.StatusCode == 0 {
		w.StatusCode = http.StatusOK
	}
	w.Size += int64(len(d))
	return w.ResponseWriter.Write(d)
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cw := &CapturingResponseWriter{ResponseWriter: w}
		timeStart := time.Now()
		next.ServeHTTP(cw, r)
		code := cw.StatusCode
		if code == 0 {
			code = http.StatusOK
		}
		log.IfErrf(log.HTTPRequest(r, code, cw.Size, time.Since(timeStart)))
	})
}
