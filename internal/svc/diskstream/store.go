// This file implements Store, the disk backend for recorded streams.
// Names from the network are confined to the media directory.

package diskstream

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidName = errors.New("invalid media name")
	ErrNotFound    = errors.New("media not found")
)

// Extension is appended to names that do not carry one.
const Extension = ".flv"

// Store reads byte ranges of files under a media directory.
// Files opened through Open keep their handle until the last File is closed.
type Store struct {
	root     string
	readSize int
	log      zerolog.Logger

	mu    sync.Mutex
	files map[string]*openFile
}

type openFile struct {
	f    *os.File
	size int64
	refs int
}

// NewStore creates a store rooted at dir. readSize caps a single Read.
func NewStore(dir string, readSize int, log zerolog.Logger) *Store {
	if readSize <= 0 {
		readSize = 64 * 1024
	}
	return &Store{
		root:     filepath.Clean(dir),
		readSize: readSize,
		log:      log.With().Str("component", "diskstream").Logger(),
		files:    make(map[string]*openFile),
	}
}

// Root returns the media directory.
func (s *Store) Root() string {
	return s.root
}

// Resolve maps a stream name to a path inside the media directory.
// Query strings are dropped and ".flv" is appended when the name has no extension.
func (s *Store) Resolve(name string) (string, error) {
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	// play accepts "flv:name" as well as "name"
	name = strings.TrimPrefix(name, "flv:")
	if name == "" || strings.ContainsRune(name, 0) || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", errors.Wrapf(ErrInvalidName, "%q", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrInvalidName, "%q escapes media directory", name)
	}
	if filepath.Ext(clean) == "" {
		clean += Extension
	}
	return filepath.Join(s.root, clean), nil
}

// Exists reports whether name resolves to a regular file.
func (s *Store) Exists(name string) bool {
	path, err := s.Resolve(name)
	if err != nil {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// ModTime returns the modification time of name, or the zero time when it
// cannot be resolved.
func (s *Store) ModTime(name string) time.Time {
	path, err := s.Resolve(name)
	if err != nil {
		return time.Time{}
	}
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

// Read returns up to length bytes of file starting at offset. The result is
// short only at end of file; io.EOF is returned when offset is at or past the end.
func (s *Store) Read(file string, offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errors.Errorf("invalid range offset=%d length=%d", offset, length)
	}
	path, err := s.Resolve(file)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	of := s.files[path]
	if of != nil {
		of.refs++
	}
	s.mu.Unlock()

	var f *os.File
	if of != nil {
		f = of.f
		defer s.release(path)
	} else {
		f, err = os.Open(path)
		if err != nil {
			return nil, notFound(err, file)
		}
		defer f.Close()
	}

	out := make([]byte, length)
	n := 0
	for n < length {
		step := min(length-n, s.readSize)
		m, err := f.ReadAt(out[n:n+step], offset+int64(n))
		n += m
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read %s at %d", file, offset+int64(n))
		}
	}
	if n == 0 && length > 0 {
		return nil, io.EOF
	}
	return out[:n], nil
}

// Open returns an io.ReaderAt view of name that shares one file handle
// among all concurrent readers of the same file.
func (s *Store) Open(name string) (*File, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	of := s.files[path]
	if of == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, notFound(err, name)
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "stat %s", name)
		}
		if !fi.Mode().IsRegular() {
			f.Close()
			return nil, errors.Wrapf(ErrNotFound, "%s is not a regular file", name)
		}
		of = &openFile{f: f, size: fi.Size()}
		s.files[path] = of
		s.log.Debug().Str("file", name).Int64("size", of.size).Msg("opened")
	}
	of.refs++
	return &File{store: s, name: name, path: path, size: of.size}, nil
}

func (s *Store) release(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	of := s.files[path]
	if of == nil {
		return
	}
	of.refs--
	if of.refs <= 0 {
		delete(s.files, path)
		if err := of.f.Close(); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("close media file")
		}
	}
}

// Entry describes one file in the media directory.
type Entry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// List returns the FLV files under the media directory, by name.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == s.root && errors.Is(err, os.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != Extension {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Name: strings.TrimSuffix(filepath.ToSlash(rel), Extension),
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list media")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Close releases every open handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for path, of := range s.files {
		if err := of.f.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.files, path)
	}
	return first
}

func notFound(err error, name string) error {
	if errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(ErrNotFound, "%s", name)
	}
	return errors.Wrapf(err, "open %s", name)
}

// File is one opened media file. It reads through the store.
type File struct {
	store  *Store
	name   string
	path   string
	size   int64
	closed bool
}

// Name returns the stream name the file was opened with.
func (f *File) Name() string {
	return f.name
}

// Size returns the file size at open time.
func (f *File) Size() int64 {
	return f.size
}

// ReadAt implements io.ReaderAt on top of Store.Read.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	b, err := f.store.Read(f.name, off, len(p))
	n := copy(p, b)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close releases the shared handle.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.store.release(f.path)
	return nil
}
