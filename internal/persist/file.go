package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore keeps each collection as a directory of one JSON file per key.
// Writes go through a temp file, fsync, and rename so a crashed write never
// corrupts the prior value.
type FileStore struct {
	root string

	mu      sync.Mutex
	nextSeq int64
}

// envelope wraps a stored value with its bookkeeping on disk.
type envelope struct {
	Seq      int64           `json:"seq"`
	StoredAt time.Time       `json:"stored_at"`
	Value    json.RawMessage `json:"value"`
}

// OpenFile opens or creates a file store rooted at dir.
func OpenFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	fs := &FileStore{root: dir}
	if err := fs.loadSeq(); err != nil {
		return nil, err
	}
	return fs, nil
}

// loadSeq scans existing records to resume the sequence counter.
func (f *FileStore) loadSeq() error {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return fmt.Errorf("scan state directory: %w", err)
	}
	var max int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(f.root, e.Name()))
		if err != nil {
			continue
		}
		for _, file := range files {
			if !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(f.root, e.Name(), file.Name()))
			if err != nil {
				continue
			}
			var env envelope
			if json.Unmarshal(data, &env) == nil && env.Seq > max {
				max = env.Seq
			}
		}
	}
	f.nextSeq = max + 1
	return nil
}

func (f *FileStore) path(collection, key string) string {
	return filepath.Join(f.root, url.PathEscape(collection), url.PathEscape(key)+".json")
}

// Store writes the value durably. An existing key keeps its insertion
// sequence so query order is stable across updates.
func (f *FileStore) Store(ctx context.Context, collection, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(collection, key)
	env := envelope{StoredAt: time.Now(), Value: raw}
	if prev, err := os.ReadFile(path); err == nil {
		var old envelope
		if json.Unmarshal(prev, &old) == nil {
			env.Seq = old.Seq
		}
	}
	if env.Seq == 0 {
		env.Seq = f.nextSeq
		f.nextSeq++
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Retrieve reads a single value.
func (f *FileStore) Retrieve(ctx context.Context, collection, key string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(f.path(collection, key))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return json.Unmarshal(env.Value, out)
}

// Query returns records in insertion order, filtered by pred, windowed by
// (offset, limit).
func (f *FileStore) Query(ctx context.Context, collection string, pred Predicate, offset, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(f.root, url.PathEscape(collection))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var recs []Record
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			key = strings.TrimSuffix(name, ".json")
		}
		rec := Record{Key: key, Seq: env.Seq, StoredAt: env.StoredAt, Value: env.Value}
		if pred == nil || pred(rec) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return window(recs, offset, limit), nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (f *FileStore) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(f.path(collection, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Cleanup removes records stored before the cutoff.
func (f *FileStore) Cleanup(ctx context.Context, collection string, before time.Time) (int, error) {
	recs, err := f.Query(ctx, collection, func(r Record) bool {
		return r.StoredAt.Before(before)
	}, 0, 0)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range recs {
		if err := f.Delete(ctx, collection, r.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close is a no-op for the file backend.
func (f *FileStore) Close() error { return nil }
