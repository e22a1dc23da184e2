package webmonitor

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// clipFileHandler serves clip and snapshot files by base name from one
// directory. Paths with directories are reduced to their base name.
type clipFileHandler struct {
	dir string
}

func newClipFileHandler(dir string) *clipFileHandler {
	return &clipFileHandler{dir: dir}
}

func (h *clipFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.PathValue("file"))
	if filename == "." || filename == "/" || strings.HasPrefix(filename, ".") {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(h.dir, filename)
	if !fileExists(path) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
