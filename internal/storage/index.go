package storage

import "fmt"

// Index is a read-only snapshot of the store. It is never mutated after
// construction, so it can be shared between goroutines without locking.
type Index struct {
	records []EmbeddingRecord
	dim     int
}

// NewIndex builds a snapshot from records in the given order. All vectors must
// share one dimension and unit IDs must be unique.
func NewIndex(records []EmbeddingRecord) (*Index, error) {
	idx := &Index{records: make([]EmbeddingRecord, 0, len(records))}
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		if r.UnitID == "" {
			return nil, fmt.Errorf("record %d has empty unit id", i)
		}
		if _, dup := seen[r.UnitID]; dup {
			return nil, fmt.Errorf("duplicate unit id %q", r.UnitID)
		}
		seen[r.UnitID] = struct{}{}
		if len(r.Vector) == 0 {
			return nil, fmt.Errorf("record %q has empty vector", r.UnitID)
		}
		if idx.dim == 0 {
			idx.dim = len(r.Vector)
		} else if len(r.Vector) != idx.dim {
			return nil, &DimensionError{UnitID: r.UnitID, Got: len(r.Vector), Want: idx.dim}
		}
		idx.records = append(idx.records, r)
	}
	return idx, nil
}

// Len reports the number of records.
func (i *Index) Len() int { return len(i.records) }

// Dimension is the shared vector size, 0 for an empty index.
func (i *Index) Dimension() int { return i.dim }

// Records returns the records in insertion order. Callers must not modify them.
func (i *Index) Records() []EmbeddingRecord { return i.records }

// Lookup finds a record by unit id.
func (i *Index) Lookup(unitID string) (EmbeddingRecord, bool) {
	for _, r := range i.records {
		if r.UnitID == unitID {
			return r, true
		}
	}
	return EmbeddingRecord{}, false
}

// DimensionError reports a vector whose length differs from the store's.
type DimensionError struct {
	UnitID string
	Got    int
	Want   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding for %q has dimension %d, expected %d", e.UnitID, e.Got, e.Want)
}
