// Package templates persists named watermark templates and the reserved
// last-used record.
package templates

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"photomark/internal/watermark"
)

// LastUsedName is the reserved record written on every configuration
// change. It never appears in List.
const LastUsedName = "last_used"

const ext = ".json"

// Store persists templates.
type Store interface {
	Save(name string, s watermark.Settings) error
	Load(name string) (watermark.Template, error)
	List() ([]string, error)
	Delete(name string) error
	SaveLastUsed(s watermark.Settings) error
	LoadLastUsed() (watermark.Settings, error)
}

// ValidateName rejects names that cannot be stored as a single file or
// that collide with the reserved record.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty name", watermark.ErrInvalidName)
	case name == LastUsedName:
		return fmt.Errorf("%w: %q is reserved", watermark.ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`) || name == "." || name == "..":
		return fmt.Errorf("%w: %q contains a path separator", watermark.ErrInvalidName, name)
	}
	return nil
}

// DirStore keeps one JSON file per template under Root.
type DirStore struct {
	Root string
	mu   sync.Mutex
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}
	return &DirStore{Root: root}, nil
}

func (d *DirStore) path(name string) string {
	return filepath.Join(d.Root, name+ext)
}

// Save writes name, replacing any existing record.
func (d *DirStore) Save(name string, s watermark.Settings) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return d.write(name, s)
}

// Load reads name.
func (d *DirStore) Load(name string) (watermark.Template, error) {
	if err := ValidateName(name); err != nil {
		return watermark.Template{}, err
	}
	s, err := d.read(name)
	if err != nil {
		return watermark.Template{}, err
	}
	return watermark.Template{Name: name, Settings: s}, nil
}

// List returns the sorted template names.
func (d *DirStore) List() ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	return normalizeList(names), nil
}

// Delete removes name. Deleting an absent template is not an error.
func (d *DirStore) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Remove(d.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete template %q: %w", name, err)
	}
	return nil
}

// SaveLastUsed writes the reserved record.
func (d *DirStore) SaveLastUsed(s watermark.Settings) error {
	return d.write(LastUsedName, s)
}

// LoadLastUsed reads the reserved record.
func (d *DirStore) LoadLastUsed() (watermark.Settings, error) {
	return d.read(LastUsedName)
}

func (d *DirStore) write(name string, s watermark.Settings) error {
	data, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("encode template %q: %w", name, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(d.Root, 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}
	tmp, err := os.CreateTemp(d.Root, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("write template %q: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write template %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write template %q: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), d.path(name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write template %q: %w", name, err)
	}
	return nil
}

func (d *DirStore) read(name string) (watermark.Settings, error) {
	data, err := os.ReadFile(d.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return watermark.Settings{}, fmt.Errorf("%w: %s", watermark.ErrTemplateNotFound, name)
	}
	if err != nil {
		return watermark.Settings{}, &watermark.ParseError{Name: name, Err: err}
	}
	return Unmarshal(name, data)
}

// MemStore is an in-memory Store. Records are kept encoded so it exercises
// the same decode path as DirStore.
type MemStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string][]byte)}
}

func (m *MemStore) Save(name string, s watermark.Settings) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return m.put(name, s)
}

func (m *MemStore) Load(name string) (watermark.Template, error) {
	if err := ValidateName(name); err != nil {
		return watermark.Template{}, err
	}
	s, err := m.get(name)
	if err != nil {
		return watermark.Template{}, err
	}
	return watermark.Template{Name: name, Settings: s}, nil
}

func (m *MemStore) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	return normalizeList(names), nil
}

func (m *MemStore) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, name)
	return nil
}

func (m *MemStore) SaveLastUsed(s watermark.Settings) error {
	return m.put(LastUsedName, s)
}

func (m *MemStore) LoadLastUsed() (watermark.Settings, error) {
	return m.get(LastUsedName)
}

// PutRaw stores undecoded bytes under name, for simulating corrupt records.
func (m *MemStore) PutRaw(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[name] = append([]byte(nil), data...)
}

func (m *MemStore) put(name string, s watermark.Settings) error {
	data, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("encode template %q: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[name] = data
	return nil
}

func (m *MemStore) get(name string) (watermark.Settings, error) {
	m.mu.Lock()
	data, ok := m.records[name]
	m.mu.Unlock()
	if !ok {
		return watermark.Settings{}, fmt.Errorf("%w: %s", watermark.ErrTemplateNotFound, name)
	}
	return Unmarshal(name, data)
}

// normalizeList drops the reserved record, sorts and deduplicates.
func normalizeList(names []string) []string {
	sort.Strings(names)
	out := names[:0]
	for i, n := range names {
		if n == LastUsedName || (i > 0 && n == names[i-1]) {
			continue
		}
		out = append(out, n)
	}
	return out
}
