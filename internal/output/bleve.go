// Package output mirrors committed reduce entries into a full-text index so
// that they can be searched by content.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/Aman-CERP/amandb/internal/index"
)

// DirName is the directory of the output index inside the data directory.
const DirName = "output.bleve"

// Bleve indexes reduce entries as documents with the id <index>/<key>.
type Bleve struct {
	mu     sync.RWMutex
	idx    bleve.Index
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ index.OutputWriter = (*Bleve)(nil)

type document struct {
	Index   string `json:"index"`
	Key     string `json:"key"`
	Content string `json:"content"`
}

// Hit is one search result.
type Hit struct {
	Index string  `json:"index"`
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// Open opens or creates the output index at path. An empty path creates an
// in-memory index. A damaged index is cleared: it only holds derived data
// that indexes write again after a rebuild.
func Open(path string) (*Bleve, error) {
	m := newMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}
		if verr := validateIntegrity(path); verr != nil {
			slog.Warn("output_index_corrupted",
				slog.String("path", path),
				slog.String("error", verr.Error()))
			if err := os.RemoveAll(path); err != nil {
				return nil, fmt.Errorf("output index corrupted at %s and cannot remove: %w", path, err)
			}
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open output index: %w", err)
	}
	return &Bleve{idx: idx, path: path}, nil
}

func newMapping() *mapping.IndexMappingImpl {
	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("index", exact)
	doc.AddFieldMappingsAt("key", exact)
	doc.AddFieldMappingsAt("content", text)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// validateIntegrity checks the index metadata before opening.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(path, "index_meta.json"))
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// Write implements index.OutputWriter.
func (b *Bleve) Write(_ context.Context, name string, changes []index.Change) error {
	if len(changes) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("output index is closed")
	}

	batch := b.idx.NewBatch()
	for _, c := range changes {
		id := name + "/" + c.Key
		if c.Deleted {
			batch.Delete(id)
			continue
		}
		doc := document{Index: name, Key: c.Key, Content: flatten(c.Key, c.Value)}
		if err := batch.Index(id, doc); err != nil {
			return fmt.Errorf("failed to index %s: %w", id, err)
		}
	}
	if err := b.idx.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// flatten renders an entry as searchable text, fields in name order.
func flatten(key string, v map[string]any) string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(key)
	for _, k := range names {
		fmt.Fprintf(&sb, " %s %v", k, v[k])
	}
	return sb.String()
}

// Search finds entries whose content matches query. An empty indexName
// searches every index.
func (b *Bleve) Search(ctx context.Context, indexName, query string, limit int) ([]Hit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("output index is closed")
	}
	if strings.TrimSpace(query) == "" {
		return []Hit{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	match := bleve.NewMatchQuery(query)
	match.SetField("content")
	req := bleve.NewSearchRequest(match)
	if indexName != "" {
		only := bleve.NewTermQuery(indexName)
		only.SetField("index")
		req = bleve.NewSearchRequest(bleve.NewConjunctionQuery(match, only))
	}
	req.Size = limit

	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		name, key, _ := strings.Cut(h.ID, "/")
		hits = append(hits, Hit{Index: name, Key: key, Score: h.Score})
	}
	return hits, nil
}

// Count returns the number of indexed entries.
func (b *Bleve) Count() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, fmt.Errorf("output index is closed")
	}
	return b.idx.DocCount()
}

// Close closes the index.
func (b *Bleve) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.idx.Close()
}
