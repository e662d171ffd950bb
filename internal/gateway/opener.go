package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/happychain/wallet-core/internal/popup"
)

// PopupDirectory is a filesystem-backed confirmation surface opener: each
// pending confirmation is a .url file in a spool directory that local
// tooling (or the wallet UI) watches and renders. Deleting the file without
// posting a verdict counts as dismissal, which the router's watchdog turns
// into a rejection.
type PopupDirectory struct {
	mu  sync.Mutex
	dir string
}

// NewPopupDirectory creates the spool directory if needed.
func NewPopupDirectory(dir string) (*PopupDirectory, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &PopupDirectory{dir: dir}, nil
}

// Open spools the confirmation URL and returns its surface handle.
func (p *PopupDirectory) Open(rawURL string) (popup.Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := filepath.Join(p.dir, uuid.New().String()+".url")
	if err := os.WriteFile(path, []byte(rawURL+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write surface file: %w", err)
	}
	return &fileSurface{path: path}, nil
}

// Pending lists the spooled confirmation URLs.
func (p *PopupDirectory) Pending() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(p.dir, "*.url"))
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		urls = append(urls, string(b))
	}
	return urls, nil
}

type fileSurface struct {
	path string
}

func (s *fileSurface) Closed() bool {
	_, err := os.Stat(s.path)
	return os.IsNotExist(err)
}

func (s *fileSurface) Close() {
	_ = os.Remove(s.path)
}
