package container

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fzft/go-mini-tomcat/log"
	"go.uber.org/zap"
)

const indexFile = "index.html"

type cachedFile struct {
	data        []byte
	contentType string
	modTime     time.Time
}

// StaticServlet is the default servlet: it serves files under a document root
// and keeps them in memory until the file changes on disk.
type StaticServlet struct {
	root string

	mu       sync.RWMutex
	cache    map[string]*cachedFile // absolute file name -> contents
	watched  map[string]bool        // directories added to the watcher
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

func NewStaticServlet(root string) *StaticServlet {
	return &StaticServlet{
		root:    root,
		cache:   make(map[string]*cachedFile),
		watched: make(map[string]bool),
	}
}

// Init starts the file watcher. Without one the servlet still works but does
// not cache.
func (s *StaticServlet) Init(*Context) error {
	abs, err := filepath.Abs(s.root)
	if err != nil {
		return err
	}
	s.root = abs
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Logger.Warn("static file cache disabled", zap.String("root", s.root), zap.Error(err))
		return nil
	}
	s.mu.Lock()
	s.watcher = w
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.watch(w)
	log.Logger.Info("serving static files", zap.String("root", s.root))
	return nil
}

func (s *StaticServlet) watch(w *fsnotify.Watcher) {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
				s.evict(filepath.Clean(ev.Name))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Logger.Warn("static file watcher", zap.Error(err))
		}
	}
}

func (s *StaticServlet) evict(name string) {
	s.mu.Lock()
	if _, ok := s.cache[name]; ok {
		delete(s.cache, name)
		log.Logger.Debug("static cache evicted", zap.String("file", name))
	}
	s.mu.Unlock()
}

func (s *StaticServlet) cached(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[name]
	return ok
}

func (s *StaticServlet) Destroy() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		w := s.watcher
		s.watcher = nil
		s.mu.Unlock()
		if w == nil {
			return
		}
		err = w.Close()
		<-s.done
	})
	return err
}

func (s *StaticServlet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	name, f, err := s.open(r.URL.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			notFound(w, r)
			return
		}
		log.Logger.Warn("read static file", zap.String("file", name), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if t, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !f.modTime.Truncate(time.Second).After(t) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", f.contentType)
	w.Header().Set("Last-Modified", f.modTime.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.data)
}

// open resolves urlPath inside the root, serving index.html for directories.
func (s *StaticServlet) open(urlPath string) (string, *cachedFile, error) {
	clean := path.Clean("/" + urlPath)
	name := filepath.Join(s.root, filepath.FromSlash(clean))

	s.mu.RLock()
	f, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return name, f, nil
	}

	info, err := os.Stat(name)
	if err != nil {
		return name, nil, err
	}
	if info.IsDir() {
		name = filepath.Join(name, indexFile)
		s.mu.RLock()
		f, ok = s.cache[name]
		s.mu.RUnlock()
		if ok {
			return name, f, nil
		}
		if info, err = os.Stat(name); err != nil {
			return name, nil, err
		}
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return name, nil, err
	}
	f = &cachedFile{data: data, modTime: info.ModTime(), contentType: mime.TypeByExtension(filepath.Ext(name))}
	if f.contentType == "" {
		f.contentType = http.DetectContentType(data)
	}
	s.store(name, f)
	return name, f, nil
}

// store caches f once its directory is watched, so a later change evicts it.
func (s *StaticServlet) store(name string, f *cachedFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return
	}
	dir := filepath.Dir(name)
	if !s.watched[dir] {
		if err := s.watcher.Add(dir); err != nil {
			log.Logger.Warn("watch static dir", zap.String("dir", dir), zap.Error(err))
			return
		}
		s.watched[dir] = true
	}
	s.cache[name] = f
}
