package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// forwardedRequestHeaders are copied from the client request upstream.
var forwardedRequestHeaders = []string{"Content-Type", "Authorization", "Accept"}

// forwardedResponseHeaders are copied from the upstream response back.
var forwardedResponseHeaders = []string{"Content-Type", "Content-Length", "Cache-Control", "Content-Disposition", "Location", "WWW-Authenticate"}

// Forwarder passes requests through to the upstream REST API unchanged:
// method, path, query, body, and the caller's bearer token.
type Forwarder struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewForwarder returns a forwarder to baseURL. hc may be nil. Requests carry
// no client timeout; the caller's context bounds them.
func NewForwarder(baseURL string, hc *http.Client, log *zap.Logger) *Forwarder {
	if hc == nil {
		hc = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Forwarder{baseURL: strings.TrimRight(baseURL, "/"), client: hc, log: log}
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := f.baseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to create upstream request")
		return
	}
	req.ContentLength = r.ContentLength
	for _, h := range forwardedRequestHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if r.Context().Err() == nil {
			f.log.Warn("upstream request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		}
		writeJSONError(w, http.StatusBadGateway, "upstream API unreachable")
		return
	}
	defer resp.Body.Close()

	for _, h := range forwardedResponseHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if err := copyFlushing(w, resp.Body); err != nil && r.Context().Err() == nil {
		f.log.Debug("upstream response copy ended early", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// copyFlushing copies src to w, flushing after every read so streamed
// upstream responses reach the client as they arrive.
func copyFlushing(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
