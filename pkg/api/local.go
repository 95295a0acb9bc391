package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/config"
)

// localReportServer serves report artifacts directly from a local
// directory root. Incoming request paths are resolved relative to the
// configured root.
type localReportServer struct {
	log  logrus.FieldLogger
	root string
}

// newLocalReportServer creates a new local report server from the given
// config.
func newLocalReportServer(
	log logrus.FieldLogger,
	cfg *config.LocalReportsConfig,
) *localReportServer {
	return &localReportServer{
		log:  log.WithField("component", "local-report-server"),
		root: filepath.Clean(cfg.Dir),
	}
}

// serveFile resolves key under the report root and serves the file.
func (l *localReportServer) serveFile(
	w http.ResponseWriter,
	r *http.Request,
	key string,
) {
	if !l.isAllowedPath(key) {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid report path"})

		return
	}

	full := filepath.Join(l.root, filepath.FromSlash(key))

	// Defense-in-depth: ensure the resolved path stays under root.
	if full != l.root &&
		!strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid report path"})

		return
	}

	if _, err := os.Stat(full); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"report not found"})

		return
	}

	http.ServeFile(w, r, full)
}

// isAllowedPath rejects empty, absolute, unclean, or traversal request
// paths.
func (l *localReportServer) isAllowedPath(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}

	if strings.Contains(key, "..") {
		return false
	}

	return true
}
