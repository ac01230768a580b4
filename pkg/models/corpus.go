package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringSlice stores a []string as a JSONB column.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src any) error {
	return scanJSON(src, s)
}

// Float64Slice stores a []float64 as a JSONB column.
type Float64Slice []float64

// Value implements driver.Valuer.
func (f Float64Slice) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner.
func (f *Float64Slice) Scan(src any) error {
	return scanJSON(src, f)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON slice", src)
	}
}

// CorpusRule is one reference sigma rule in the similarity corpus, with its
// precomputed embedding vector.
type CorpusRule struct {
	ID        string       `db:"corpus_rule_id" json:"corpus_rule_id"`
	Title     string       `db:"title" json:"title"`
	YAMLText  string       `db:"yaml_text" json:"yaml_text"`
	Tags      StringSlice  `db:"tags" json:"tags,omitempty"`
	Embedding Float64Slice `db:"embedding" json:"-"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}
