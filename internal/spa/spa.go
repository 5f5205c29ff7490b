// Package spa serves a built single-page app: files from the build directory
// when they exist, otherwise the app's entry document so client-side routes
// survive a reload.
package spa

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
)

// DefaultIndex is the entry document served for unknown paths.
const DefaultIndex = "index.html"

// Handler serves static files with an index fallback.
type Handler struct {
	fsys    fs.FS
	index   string
	handler http.Handler
}

// New serves the directory root. The index document must exist.
func New(root, index string) (*Handler, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("static directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static directory %s is not a directory", root)
	}
	return NewFS(os.DirFS(root), index)
}

// NewFS serves fsys. The index document must be a regular file in fsys.
func NewFS(fsys fs.FS, index string) (*Handler, error) {
	if index == "" {
		index = DefaultIndex
	}
	index = strings.TrimPrefix(path.Clean("/"+index), "/")

	info, err := fs.Stat(fsys, index)
	if err != nil {
		return nil, fmt.Errorf("index document: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("index document %s is not a regular file", index)
	}

	h := &Handler{fsys: fsys, index: index}
	h.handler = gzhttp.GzipHandler(http.HandlerFunc(h.serve))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name != "" && name != h.index {
		err := h.serveFile(w, r, name)
		if err == nil {
			return
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, errNotRegular) {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("file", name).Msg("failed to open static file")
		}
	}

	w.Header().Set("Cache-Control", "no-cache")
	if err := h.serveFile(w, r, h.index); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("file", h.index).Msg("failed to serve index document")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

var errNotRegular = errors.New("not a regular file")

// serveFile writes the named file with status 200, or returns an error
// without writing anything.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, name string) error {
	f, err := h.fsys.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return errNotRegular
	}

	content, ok := f.(io.ReadSeeker)
	if !ok {
		return fmt.Errorf("%s: file does not support seeking", name)
	}

	http.ServeContent(w, r, name, info.ModTime(), content)
	return nil
}
