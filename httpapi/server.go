// Package httpapi serves the dispatcher over HTTP.
//
// GET /<command>/<param>...?apiKey=<key>&<query> runs a read command; POST
// /<command> with a form body (apiKey included) runs a mutating one. The
// response body is always JSON.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sensei777/Ethplorer"
	"github.com/sensei777/Ethplorer/dispatch"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	maxFormBytes           = 1 << 20

	// CacheHeader carries the aggregate cache state when there is one.
	CacheHeader = "X-Ethplorer-Cache"
)

// Handler is the slice of *dispatch.Dispatcher the server needs.
type Handler interface {
	Handle(ctx context.Context, req dispatch.Request) dispatch.Response
}

type Options struct {
	Addr            string
	Dispatcher      Handler          // required
	Metrics         http.Handler     // optional; mounted at MetricsPath
	MetricsPath     string           // "" => /metrics
	Logger          ethplorer.Logger // nil => NopLogger
	ShutdownTimeout time.Duration    // 0 => 5s
}

type Server struct {
	addr    string
	d       Handler
	log     ethplorer.Logger
	timeout time.Duration
	mux     *http.ServeMux
	srv     *http.Server
}

func NewServer(opts Options) *Server {
	s := &Server{addr: opts.Addr, d: opts.Dispatcher, log: opts.Logger, timeout: opts.ShutdownTimeout}
	if s.log == nil {
		s.log = ethplorer.NopLogger{}
	}
	if s.timeout <= 0 {
		s.timeout = defaultShutdownTimeout
	}
	s.mux = http.NewServeMux()
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.mux.Handle(path, opts.Metrics)
	}
	s.mux.HandleFunc("/", s.serveCommand)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", ethplorer.Fields{"err": err})
		}
	}()

	s.log.Info("http server starting", ethplorer.Fields{"addr": ln.Addr().String()})
	err = s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

func (s *Server) serveCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	req, ok := parseRequest(w, r)
	if !ok {
		return
	}
	resp := s.d.Handle(r.Context(), req)

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	if resp.CacheState != "" {
		h.Set(CacheHeader, resp.CacheState)
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		s.log.Debug("write response", ethplorer.Fields{"command": req.Command, "err": err})
	}
}

func parseRequest(w http.ResponseWriter, r *http.Request) (dispatch.Request, bool) {
	var segs []string
	for _, p := range strings.Split(strings.Trim(r.URL.Path, "/"), "/") {
		if p != "" {
			segs = append(segs, p)
		}
	}
	if len(segs) == 0 {
		http.NotFound(w, r)
		return dispatch.Request{}, false
	}

	req := dispatch.Request{Command: segs[0], Params: segs[1:], Post: r.Method == http.MethodPost}
	if req.Post {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "malformed form", http.StatusBadRequest)
			return dispatch.Request{}, false
		}
		req.Query = r.Form
	} else {
		req.Query = r.URL.Query()
	}
	req.CallerID = strings.TrimSpace(req.Query.Get("apiKey"))
	return req, true
}
