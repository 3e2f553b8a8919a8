package store

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

// bm25FormatVersion is the on-disk format version. Loaders reject
// anything else.
const bm25FormatVersion = 1

// BM25Index is an in-memory sparse lexical index over chunk documents
// with single-file persistence. Scoring uses the Okapi BM25 formula with
// fixed parameters k1=1.2, b=0.75. Reads and writes follow a
// single-writer/multiple-reader discipline.
type BM25Index struct {
	mu sync.RWMutex

	config BM25Config

	docs        map[string]*bm25Doc
	df          map[string]int
	totalLength int64

	// chunks holds full chunk data for result hydration.
	chunks map[string]*Chunk
}

// bm25Doc holds per-document postings.
type bm25Doc struct {
	Length int
	TF     map[string]int
}

// bm25File is the serialized index: a single versioned file preserving
// exact document frequencies, lengths, and doc count so that reload
// followed by identical queries produces identical scores.
type bm25File struct {
	Version     int            `json:"version"`
	K1          float64        `json:"k1"`
	B           float64        `json:"b"`
	TokenizerID string         `json:"tokenizer_id"`
	DocCount    int            `json:"doc_count"`
	TotalLength int64          `json:"total_length"`
	Docs        []bm25FileDoc  `json:"docs"`
	DF          map[string]int `json:"df"`
}

type bm25FileDoc struct {
	ID     string         `json:"id"`
	Length int            `json:"length"`
	TF     map[string]int `json:"tf"`
}

// NewBM25Index creates an empty index.
func NewBM25Index(cfg BM25Config) *BM25Index {
	if cfg.K1 == 0 {
		cfg.K1 = 1.2
	}
	if cfg.B == 0 {
		cfg.B = 0.75
	}
	return &BM25Index{
		config: cfg,
		docs:   make(map[string]*bm25Doc),
		df:     make(map[string]int),
		chunks: make(map[string]*Chunk),
	}
}

// Add tokenizes each chunk's combined text and updates term frequencies,
// document lengths, and the document count. Idempotent on chunk id:
// adding the same id twice replaces the previous entry.
func (b *BM25Index) Add(chunks []*Chunk) {
	if len(chunks) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range chunks {
		b.removeLocked(c.ID)

		tokens := Tokenize(c.IndexText(), b.config)
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}

		b.docs[c.ID] = &bm25Doc{Length: len(tokens), TF: tf}
		b.totalLength += int64(len(tokens))
		for term := range tf {
			b.df[term]++
		}
		b.chunks[c.ID] = c
	}
}

// Remove deletes postings for the given chunk ids and decrements
// statistics. Unknown ids are ignored.
func (b *BM25Index) Remove(chunkIDs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range chunkIDs {
		b.removeLocked(id)
	}
}

func (b *BM25Index) removeLocked(id string) {
	doc, ok := b.docs[id]
	if !ok {
		return
	}
	for term := range doc.TF {
		b.df[term]--
		if b.df[term] <= 0 {
			delete(b.df, term)
		}
	}
	b.totalLength -= int64(doc.Length)
	delete(b.docs, id)
	delete(b.chunks, id)
}

// Search tokenizes the query and scores every document containing at
// least one query term with Okapi BM25. Ties break by chunk id
// ascending. Returns the top k results, hydrated with the chunk when
// known.
func (b *BM25Index) Search(queryText string, k int) []*BM25Result {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if k <= 0 {
		return []*BM25Result{}
	}

	terms := Tokenize(queryText, b.config)
	if len(terms) == 0 || len(b.docs) == 0 {
		return []*BM25Result{}
	}

	// Deduplicate query terms; duplicate terms do not double-score.
	seen := make(map[string]struct{}, len(terms))
	unique := terms[:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		unique = append(unique, t)
	}

	n := float64(len(b.docs))
	avgdl := float64(b.totalLength) / n

	scores := make(map[string]float64)
	for _, term := range unique {
		df, ok := b.df[term]
		if !ok {
			continue
		}
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))

		for id, doc := range b.docs {
			tf, ok := doc.TF[term]
			if !ok {
				continue
			}
			norm := b.config.K1 * (1 - b.config.B + b.config.B*float64(doc.Length)/avgdl)
			scores[id] += idf * (float64(tf) * (b.config.K1 + 1)) / (float64(tf) + norm)
		}
	}

	results := make([]*BM25Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, &BM25Result{DocID: id, Score: score, Chunk: b.chunks[id]})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Chunk returns the hydrated chunk for id, if indexed.
func (b *BM25Index) Chunk(id string) *Chunk {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.chunks[id]
}

// AllIDs returns all document ids, sorted, for consistency checks.
func (b *BM25Index) AllIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.docs))
	for id := range b.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns index statistics.
func (b *BM25Index) Stats() BM25Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BM25Stats{
		DocumentCount: len(b.docs),
		TermCount:     len(b.df),
	}
	if len(b.docs) > 0 {
		stats.AvgDocLength = float64(b.totalLength) / float64(len(b.docs))
	}
	return stats
}

// Count returns the number of indexed documents.
func (b *BM25Index) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.docs)
}

// Save round-trips the index to a single versioned file. The write is
// atomic (temp file + rename) and guarded by a directory lock.
func (b *BM25Index) Save(path string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	file := bm25File{
		Version:     bm25FormatVersion,
		K1:          b.config.K1,
		B:           b.config.B,
		TokenizerID: TokenizerID,
		DocCount:    len(b.docs),
		TotalLength: b.totalLength,
		DF:          b.df,
		Docs:        make([]bm25FileDoc, 0, len(b.docs)),
	}
	for id, doc := range b.docs {
		file.Docs = append(file.Docs, bm25FileDoc{ID: id, Length: doc.Length, TF: doc.TF})
	}
	sort.Slice(file.Docs, func(i, j int) bool { return file.Docs[i].ID < file.Docs[j].ID })

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ragerr.IndexError(ragerr.ErrCodeIndexWrite, fmt.Sprintf("create index directory %s", dir), err)
	}

	unlock, err := lockIndexDir(dir)
	if err != nil {
		return ragerr.IndexError(ragerr.ErrCodeIndexWrite, "lock index directory", err)
	}
	defer unlock()

	data, err := json.Marshal(file)
	if err != nil {
		return ragerr.IndexError(ragerr.ErrCodeIndexWrite, "encode index", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ragerr.IndexError(ragerr.ErrCodeIndexWrite, fmt.Sprintf("write %s", tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return ragerr.IndexError(ragerr.ErrCodeIndexWrite, fmt.Sprintf("rename to %s", path), err)
	}

	return nil
}

// Load replaces the index contents from a file written by Save.
// Unknown versions and malformed data are fatal load failures.
// Chunk hydration data is not persisted here; callers re-attach chunks
// via AttachChunks after loading metadata.
func (b *BM25Index) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ragerr.IndexError(ragerr.ErrCodeIndexRead, fmt.Sprintf("read %s", path), err)
	}

	var file bm25File
	if err := json.Unmarshal(data, &file); err != nil {
		return ragerr.IndexError(ragerr.ErrCodeIndexCorrupt, fmt.Sprintf("malformed index file %s", path), err)
	}

	if file.Version != bm25FormatVersion {
		return ragerr.IndexError(ragerr.ErrCodeIndexVersion,
			fmt.Sprintf("unsupported index version %d (want %d)", file.Version, bm25FormatVersion), nil)
	}
	if file.TokenizerID != TokenizerID {
		return ragerr.IndexError(ragerr.ErrCodeIndexVersion,
			fmt.Sprintf("index built with tokenizer %q, runtime uses %q", file.TokenizerID, TokenizerID), nil)
	}
	if len(file.Docs) != file.DocCount {
		return ragerr.IndexError(ragerr.ErrCodeIndexCorrupt,
			fmt.Sprintf("doc_count %d does not match %d serialized docs", file.DocCount, len(file.Docs)), nil)
	}

	docs := make(map[string]*bm25Doc, len(file.Docs))
	for _, d := range file.Docs {
		docs[d.ID] = &bm25Doc{Length: d.Length, TF: d.TF}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.config.K1 = file.K1
	b.config.B = file.B
	b.docs = docs
	b.df = file.DF
	if b.df == nil {
		b.df = make(map[string]int)
	}
	b.totalLength = file.TotalLength
	b.chunks = make(map[string]*Chunk, len(docs))

	return nil
}

// AttachChunks registers chunk data for result hydration without
// re-tokenizing. Used after Load, when postings already exist.
func (b *BM25Index) AttachChunks(chunks []*Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range chunks {
		if _, ok := b.docs[c.ID]; ok {
			b.chunks[c.ID] = c
		}
	}
}
