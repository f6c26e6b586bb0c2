// Package middleware holds the HTTP wrappers shared by the control API.
package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"kptv-player/work/logger"
)

// Writers are reset per response; BestSpeed keeps snapshot polling cheap.
var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
	bodiless    bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	h := w.ResponseWriter.Header()
	h.Del("Content-Length")
	if status == http.StatusNoContent || status == http.StatusNotModified {
		w.bodiless = true
		h.Del("Content-Encoding")
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.bodiless {
		return w.ResponseWriter.Write(b)
	}
	return w.Writer.Write(b)
}

// Flush pushes buffered compressed data to the client, for event streams.
func (w *gzipResponseWriter) Flush() {
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Gzip compresses responses for clients advertising gzip support. Responses
// without a body (204, 304) are left untouched.
func Gzip(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		gzw := &gzipResponseWriter{Writer: gz, ResponseWriter: w}
		defer func() {
			if gzw.wroteHeader && !gzw.bodiless {
				if err := gz.Close(); err != nil {
					logger.Error("{middleware/compression - Gzip} Failed to close gzip writer for %s %s: %v", r.Method, r.URL.Path, err)
				}
			} else if !gzw.wroteHeader {
				// nothing was written; do not emit an empty gzip stream
				w.Header().Del("Content-Encoding")
			}
			gz.Reset(io.Discard)
			gzipWriterPool.Put(gz)
		}()

		next.ServeHTTP(gzw, r)
	})
}
