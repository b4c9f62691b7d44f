package dlpfs

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/absfs/absfs"
)

// LinkRegistry maps virtual names to LinkFiles. It owns each link's
// container once added and closes it when the last reference is released.
type LinkRegistry struct {
	mu     sync.RWMutex
	links  map[string]*LinkFile
	logger *slog.Logger
}

// NewLinkRegistry creates an empty registry
func NewLinkRegistry(logger *slog.Logger) *LinkRegistry {
	return &LinkRegistry{
		links:  make(map[string]*LinkFile),
		logger: defaultLogger(logger),
	}
}

// Add links c under name. The returned link holds the registry's reference.
func (r *LinkRegistry) Add(name string, c Container) (*LinkFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.links[name]; exists {
		return nil, fmt.Errorf("link %q already exists: %w", name, ErrFileLinking)
	}
	link, err := NewLinkFile(name, c, r.logger)
	if err != nil {
		return nil, err
	}
	r.links[name] = link
	r.logger.Info("link added", "name", name, "access", c.Access().String())
	return link, nil
}

// InstallOptions describes a container to open from a file system and link
type InstallOptions struct {
	Name     string
	Path     string
	Material *CipherMaterial
	Policy   Policy
	Work     WorkFS
	Config   *Config
}

// FileOpener opens container files. Any absfs.FileSystem satisfies it.
type FileOpener interface {
	OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error)
}

// Install opens the container at opts.Path on fs, binds cipher material
// and policy and links it under opts.Name
func (r *LinkRegistry) Install(fs FileOpener, opts InstallOptions) (*LinkFile, error) {
	if fs == nil {
		return nil, NewValidationError("fs", nil, "file system cannot be nil")
	}

	flag := os.O_RDONLY
	if opts.Policy.Access.Writable() {
		flag = os.O_RDWR
	}
	f, err := fs.OpenFile(opts.Path, flag, 0)
	if err != nil {
		return nil, NewIOError("open", opts.Path, -1, err)
	}

	c, err := OpenContainer(f, opts.Work, opts.Config)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := c.SetPolicy(opts.Policy); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.SetCipher(opts.Material); err != nil {
		c.Close()
		return nil, err
	}

	link, err := r.Add(opts.Name, c)
	if err != nil {
		c.Close()
		return nil, err
	}
	return link, nil
}

// Get returns the link for name with an extra reference taken. The
// reference is taken under the registry lock so a concurrent final
// Release cannot dispose the link in between.
func (r *LinkRegistry) Get(name string) (*LinkFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, ok := r.links[name]
	if !ok || !link.IncreaseRef() {
		return nil, false
	}
	return link, true
}

// Lookup returns the link for name without taking a reference
func (r *LinkRegistry) Lookup(name string) (*LinkFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.links[name]
	return link, ok
}

// Release drops n references. When none remain the link is removed and
// its container is unlinked and closed.
func (r *LinkRegistry) Release(name string, n int) error {
	r.mu.Lock()
	link, ok := r.links[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("link %q: %w", name, os.ErrNotExist)
	}
	if !link.ReleaseRef(n) {
		r.mu.Unlock()
		return nil
	}
	delete(r.links, name)
	r.mu.Unlock()

	return r.dispose(link)
}

func (r *LinkRegistry) dispose(link *LinkFile) error {
	c := link.Container()
	c.MarkLinked(false)
	err := c.Close()
	if err != nil {
		r.logger.Error("failed to close container", "name", link.Name(), "error", err)
	}
	r.logger.Info("link disposed", "name", link.Name())
	return err
}

// Stop stops the named link. Open handles keep their references but
// every further operation fails with ErrLinkingStopped.
func (r *LinkRegistry) Stop(name string) error {
	link, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("link %q: %w", name, os.ErrNotExist)
	}
	link.StopLink()
	return nil
}

// Names returns the linked names in sorted order
func (r *LinkRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.links))
	for name := range r.links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops every link and closes their containers
func (r *LinkRegistry) Close() error {
	r.mu.Lock()
	links := r.links
	r.links = make(map[string]*LinkFile)
	r.mu.Unlock()

	var firstErr error
	for _, link := range links {
		link.StopLink()
		if err := r.dispose(link); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
