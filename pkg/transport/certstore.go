package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// certStore holds the currently active TLS certificate and watches its
// source files for changes, hot-swapping after a debounce period.
// Parsing errors on reload are logged and the previous certificate is
// retained.
type certStore struct {
	certPath, keyPath string
	log               *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
}

func newCertStore(certPath, keyPath string, log *slog.Logger) (*certStore, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &certStore{certPath: certPath, keyPath: keyPath, log: log, cert: &cert}, nil
}

func (cs *certStore) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.cert, nil
}

// watch starts a background goroutine watching certPath for writes,
// reloading both files after a 5-second debounce once changes settle.
func (cs *certStore) watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		cs.log.Warn("certificate watcher unavailable, hot-reload disabled", "error", err)
		return
	}
	if err := w.Add(cs.certPath); err != nil {
		cs.log.Warn("failed to watch certificate file, hot-reload disabled", "path", cs.certPath, "error", err)
		_ = w.Close()
		return
	}

	go func() {
		defer w.Close()
		var debounce *time.Timer
		var debounceC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.NewTimer(certDebounce)
				debounceC = debounce.C
			case <-debounceC:
				debounceC = nil
				cs.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				cs.log.Warn("certificate watcher error", "error", err)
			}
		}
	}()
}

func (cs *certStore) reload() {
	cert, err := tls.LoadX509KeyPair(cs.certPath, cs.keyPath)
	if err != nil {
		cs.log.Warn("certificate reload failed, retaining previous certificate", "error", err)
		return
	}
	cs.mu.Lock()
	cs.cert = &cert
	cs.mu.Unlock()
	cs.log.Info("certificate reloaded", "path", cs.certPath)
}
