package relay

import (
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

type compressedResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w compressedResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// WriteHeader drops any Content-Length set for the uncompressed body.
func (w compressedResponseWriter) WriteHeader(code int) {
	w.ResponseWriter.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(code)
}

func makeGzipHandler(fn http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gz, _ := gzip.NewWriterLevel(w, gzip.DefaultCompression)
		defer gz.Close()
		gzr := compressedResponseWriter{Writer: gz, ResponseWriter: w}
		fn.ServeHTTP(gzr, r)
	})
}

var compressionFnByName = map[string]func(http.Handler) http.Handler{
	"gzip": makeGzipHandler,
}

// acceptsEncoding reports whether an Accept-Encoding header allows name.
// An explicit entry wins over "*"; q=0 refuses.
func acceptsEncoding(header, name string) bool {
	wildcard := false
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding != name && coding != "*" {
			continue
		}

		q := 1.0
		for _, param := range strings.Split(params, ";") {
			k, v, ok := strings.Cut(param, "=")
			if !ok || strings.ToLower(strings.TrimSpace(k)) != "q" {
				continue
			}
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				parsed = 0
			}
			q = parsed
		}

		if coding == name {
			return q > 0
		}
		wildcard = q > 0
	}
	return wildcard
}

// CompressionMiddleware compresses responses with the first encoding in
// prefs that the client accepts. Range requests are served uncompressed so
// Content-Range keeps describing the bytes on the wire.
func CompressionMiddleware(prefs []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Range") != "" {
				next.ServeHTTP(w, r)
				return
			}
			encodingHeader := r.Header.Get("Accept-Encoding")
			for _, compression := range prefs {
				if !acceptsEncoding(encodingHeader, compression) {
					continue
				}
				if compressFn, has := compressionFnByName[compression]; has {
					compressFn(next).ServeHTTP(w, r)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func HeaderMiddleware(headers http.Header) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header()[k] = v
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewFileServer serves fsys, gzipped when useGzip is set and the client
// accepts it.
func NewFileServer(fsys fs.FS, useGzip bool) http.Handler {
	var h http.Handler = http.FileServerFS(fsys)
	if useGzip {
		h = CompressionMiddleware([]string{"gzip"})(h)
	}
	return h
}
