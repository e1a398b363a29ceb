package handlers

import (
	"net/http"
	"os"
	"path/filepath"
)

// serveAsset serves one file from the frontend directory, answering with a
// JSON 404 when it is absent.
func (h *Handler) serveAsset(name, notFound string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(h.frontendDir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			requestLogger(r).WithField("asset", path).Warn("Frontend asset missing")
			writeError(w, http.StatusNotFound, "not_found", notFound)
			return
		}
		http.ServeFile(w, r, path)
	}
}

// frontendFiles mounts the whole frontend directory. Directory listings are
// not served.
func (h *Handler) frontendFiles(prefix string) http.Handler {
	files := http.StripPrefix(prefix, http.FileServer(http.Dir(h.frontendDir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(h.frontendDir, filepath.FromSlash(r.URL.Path[len(prefix):]))
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			writeError(w, http.StatusNotFound, "not_found", "Not found")
			return
		}
		files.ServeHTTP(w, r)
	})
}
