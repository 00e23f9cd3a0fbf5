package bundle

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"howett.net/plist"
)

// ErrManifestKey is returned when a manifest key is missing or holds a value
// of an unexpected type.
var ErrManifestKey = errors.New("manifest key missing or mistyped")

// Manifest is an in-memory view of a bundle's Info.plist.
//
// Mutations stay in memory until Persist is called. The on-disk format
// (XML, binary, OpenStep) is remembered at load time and reused on write.
type Manifest struct {
	path   string
	format int
	values map[string]interface{}
}

// LoadManifest reads and parses the property list at path
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var values map[string]interface{}
	format, err := plist.Unmarshal(data, &values)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if values == nil {
		values = make(map[string]interface{})
	}

	return &Manifest{path: path, format: format, values: values}, nil
}

// Path returns the file the manifest was loaded from.
func (m *Manifest) Path() string {
	return m.path
}

// Get returns the raw value stored under key.
func (m *Manifest) Get(key string) (interface{}, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Manifest) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// String returns the string value stored under key.
func (m *Manifest) String(key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrManifestKey)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s is %T, not a string: %w", key, v, ErrManifestKey)
	}
	return s, nil
}

// Dict returns the dictionary stored under key.
func (m *Manifest) Dict(key string) (map[string]interface{}, error) {
	v, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrManifestKey)
	}
	d, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s is %T, not a dictionary: %w", key, v, ErrManifestKey)
	}
	return d, nil
}

// Set stores value under key, replacing any previous value.
func (m *Manifest) Set(key string, value interface{}) {
	m.values[key] = value
}

// Delete removes key and reports whether it was present.
func (m *Manifest) Delete(key string) bool {
	if _, ok := m.values[key]; !ok {
		return false
	}
	delete(m.values, key)
	return true
}

// Keys returns the top-level keys in the order they are written to disk.
func (m *Manifest) Keys() []string {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge overlays partial onto the dictionary stored under key. Keys in
// partial replace existing entries; all other entries are kept. A missing
// dictionary is created. A non-dictionary value under key is an error.
func (m *Manifest) Merge(key string, partial map[string]interface{}) error {
	merged := make(map[string]interface{}, len(partial))

	if existing, ok := m.values[key]; ok {
		dict, ok := existing.(map[string]interface{})
		if !ok {
			return fmt.Errorf("cannot merge into %s (%T): %w", key, existing, ErrManifestKey)
		}
		for k, v := range dict {
			merged[k] = v
		}
	}

	for k, v := range partial {
		merged[k] = v
	}
	m.values[key] = merged
	return nil
}

// Persist writes the manifest back to its file in the original format.
func (m *Manifest) Persist() error {
	var (
		data []byte
		err  error
	)
	if m.format == plist.XMLFormat {
		data, err = plist.MarshalIndent(m.values, plist.XMLFormat, "\t")
	} else {
		data, err = plist.Marshal(m.values, m.format)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(m.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
