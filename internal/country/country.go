// Package country serves the read-only country reference set. The engine
// never mutates this data; the pipeline captures one snapshot per tick so a
// mid-tick reload can never produce signals against two different views.
package country

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/obsglobal/flowscope/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed countries.json
var embedded []byte

// Source implements schemas.CountrySource over an in-memory reference set.
type Source struct {
	mu        sync.RWMutex
	countries map[string]schemas.Country
}

// NewEmbedded loads the reference set compiled into the binary.
func NewEmbedded() (*Source, error) {
	return load(embedded)
}

// NewFromFile loads a reference set from an operator-provided JSON file,
// overriding the embedded data.
func NewFromFile(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading country reference: %w", err)
	}
	return load(data)
}

func load(data []byte) (*Source, error) {
	var list []schemas.Country
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decoding country reference: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("country reference is empty")
	}

	countries := make(map[string]schemas.Country, len(list))
	for _, c := range list {
		if c.Code == "" {
			return nil, fmt.Errorf("country reference entry %q has no code", c.Name)
		}
		countries[c.Code] = c
	}
	return &Source{countries: countries}, nil
}

// Snapshot returns a consistent copy of the reference set. Callers own the
// returned map.
func (s *Source) Snapshot() map[string]schemas.Country {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]schemas.Country, len(s.countries))
	for code, c := range s.countries {
		out[code] = c
	}
	return out
}

// Reload swaps in a new reference set from the given file. In-flight
// snapshots keep their old view.
func (s *Source) Reload(path string) error {
	next, err := NewFromFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.countries = next.countries
	s.mu.Unlock()
	return nil
}
