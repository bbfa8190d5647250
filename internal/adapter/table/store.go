// Package table persists datasets as headered CSV files in one directory,
// plus JSON documents for manifests and run markers.
package table

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/terracast/crop-signal-engine/internal/domain"
)

// Store reads and writes named datasets under a single directory. Tables
// are CSV files named <name>.csv, documents pretty-printed JSON named
// <name>.json. Writes go through a temp file and rename, so a reader never
// observes a partial artifact.
type Store struct {
	dir string
}

// New creates a Store rooted at dir. The directory is created on first
// write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// ReadTable loads one CSV dataset. A missing file is reported with an
// error matching fs.ErrNotExist.
func (s *Store) ReadTable(_ context.Context, name string) (*domain.Table, error) {
	f, err := os.Open(s.tablePath(name))
	if err != nil {
		return nil, fmt.Errorf("open table %s: %w", name, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %s: missing header row", name)
	}
	return &domain.Table{Name: name, Columns: rows[0], Rows: rows[1:]}, nil
}

// WriteTable persists one dataset, replacing any previous version.
func (s *Store) WriteTable(_ context.Context, t *domain.Table) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, t.Name+".csv.tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(t.Columns); err != nil {
		tmp.Close()
		return fmt.Errorf("write table %s: %w", t.Name, err)
	}
	if err := w.WriteAll(t.Rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write table %s: %w", t.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.tablePath(t.Name))
}

// WriteDocument persists one JSON document, replacing any previous version.
func (s *Store) WriteDocument(_ context.Context, name string, doc any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", name, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, name+".json.tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.docPath(name))
}

// ReadDocument loads one JSON document into out.
func (s *Store) ReadDocument(_ context.Context, name string, out any) error {
	data, err := os.ReadFile(s.docPath(name))
	if err != nil {
		return fmt.Errorf("read document %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse document %s: %w", name, err)
	}
	return nil
}

func (s *Store) tablePath(name string) string {
	return filepath.Join(s.dir, name+".csv")
}

func (s *Store) docPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}
