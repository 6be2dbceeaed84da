// Package api serves the node over HTTP: node info, add requests, cached
// results, a server-sent event stream of results and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Assembler-Plugins/internal/core/client"
	"Assembler-Plugins/internal/core/network"
	"Assembler-Plugins/internal/plugins/adder"
)

var log = logging.Logger("api")

// Adder is what the API needs from the adder plugin.
type Adder interface {
	Request(ctx context.Context, peerID string, a, b float64) (string, error)
	Add(ctx context.Context, peerID string, a, b float64) (adder.Result, error)
	OnResult(fn func(adder.Result)) func()
}

type Options struct {
	AllowOrigin     string
	ResultCacheSize int
	RequestTimeout  time.Duration
}

type Server struct {
	client  *client.Client
	adder   Adder
	opts    Options
	results *lru.Cache[string, adder.Result]
	stop    func()

	mu   sync.Mutex
	subs map[chan adder.Result]struct{}
}

// NewServer builds the API for c. add may be nil when the adder plugin is
// disabled; its routes then answer 503.
func NewServer(c *client.Client, add Adder, opts Options) (*Server, error) {
	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	if opts.ResultCacheSize <= 0 {
		opts.ResultCacheSize = 1024
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	results, err := lru.New[string, adder.Result](opts.ResultCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Server{
		client:  c,
		adder:   add,
		opts:    opts,
		results: results,
		stop:    func() {},
		subs:    make(map[chan adder.Result]struct{}),
	}
	if add != nil {
		s.stop = add.OnResult(s.record)
	}
	return s, nil
}

// Close stops recording results. Open streams end with their requests.
func (s *Server) Close() {
	s.stop()
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/node", s.handleNode)
	mux.HandleFunc("/api/add/request", s.handleRequest)
	mux.HandleFunc("/api/add/result/", s.handleResult)
	mux.HandleFunc("/api/add/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.Handler())
}

// Handler wraps the registered routes with CORS headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.opts.AllowOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			writeNoContent(w)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) record(res adder.Result) {
	s.results.Add(res.RequestID, res)
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- res:
		default:
			log.Warnw("stream subscriber lagging, dropping result", "request_id", res.RequestID)
		}
	}
}

func (s *Server) subscribe() (<-chan adder.Result, func()) {
	ch := make(chan adder.Result, 32)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := map[string]any{
		"peer_id":         s.client.PeerID(),
		"plugins":         s.client.PluginIDs(),
		"listen_addrs":    []string{},
		"connected_peers": []string{},
	}
	if info, ok := s.client.Transport().(network.Info); ok {
		resp["listen_addrs"] = info.ListenAddrs()
		resp["connected_peers"] = info.ConnectedPeers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if s.adder == nil {
		writeError(w, http.StatusServiceUnavailable, "adder plugin unavailable")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		PeerID    string   `json:"peer_id"`
		A         *float64 `json:"a"`
		B         *float64 `json:"b"`
		Wait      bool     `json:"wait"`
		TimeoutMS int      `json:"timeout_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "peer_id required")
		return
	}
	if req.A == nil || req.B == nil {
		writeError(w, http.StatusBadRequest, "a and b required")
		return
	}

	if !req.Wait {
		id, err := s.adder.Request(r.Context(), req.PeerID, *req.A, *req.B)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"request_id": id})
		return
	}

	timeout := s.opts.RequestTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	res, err := s.adder.Add(ctx, req.PeerID, *req.A, *req.B)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/add/result/"), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "request id missing")
		return
	}
	res, ok := s.results.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.adder == nil {
		writeError(w, http.StatusServiceUnavailable, "adder plugin unavailable")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, cancel := s.subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case res := <-ch:
			data, err := json.Marshal(res)
			if err != nil {
				log.Errorw("encode stream result", "error", err)
				continue
			}
			if _, err := w.Write([]byte("event: result\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, client.ErrTransportFailure):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
