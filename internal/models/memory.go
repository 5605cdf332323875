package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Memory represents a stored memory record.
// This is the database model for the memories table; the authoritative copy
// of every record lives here regardless of which accelerator indexed it.
type Memory struct {
	ID         string           `json:"id" gorm:"primaryKey;column:id"`
	Content    string           `json:"content" gorm:"column:content"`
	BlobKey    string           `json:"blob_key,omitempty" gorm:"column:blob_key"`
	BlobSize   int64            `json:"blob_size,omitempty" gorm:"column:blob_size"`
	Embedding  *pgvector.Vector `json:"-" gorm:"column:embedding"`
	Tags       TagList          `json:"tags" gorm:"column:tags;type:jsonb"`
	Importance float64          `json:"importance" gorm:"column:importance"`
	CreatedAt  time.Time        `json:"created_at" gorm:"column:created_at"`
	SummaryOf  IDList           `json:"summary_of,omitempty" gorm:"column:summary_of;type:jsonb"`
	RetiredAt  *time.Time       `json:"retired_at,omitempty" gorm:"column:retired_at"`
}

func (Memory) TableName() string {
	return "memories"
}

// IsSummary reports whether the record condenses other records.
func (m *Memory) IsSummary() bool {
	return len(m.SummaryOf) > 0
}

// IsBlobBacked reports whether the payload lives in the blob store.
func (m *Memory) IsBlobBacked() bool {
	return m.BlobKey != ""
}

// IsRetired reports whether the record was tombstoned by summarization.
func (m *Memory) IsRetired() bool {
	return m.RetiredAt != nil
}

// HasEmbedding reports whether the record participates in similarity search.
func (m *Memory) HasEmbedding() bool {
	return m.Embedding != nil
}

// ScoredMemory pairs a record with the similarity score of the search that
// produced it. Higher is better (cosine similarity).
type ScoredMemory struct {
	Memory
	Score float64 `json:"score"`
}

// OrphanedBlob records a blob key whose metadata row was deleted before the
// blob itself could be removed. Swept by the lifecycle manager.
type OrphanedBlob struct {
	BlobKey  string    `json:"blob_key" gorm:"primaryKey;column:blob_key"`
	MarkedAt time.Time `json:"marked_at" gorm:"column:marked_at"`
}

func (OrphanedBlob) TableName() string {
	return "orphaned_blobs"
}

// TagList is a case-normalized, deduplicated, sorted set of tags stored as
// a JSONB array.
type TagList []string

// NormalizeTags lowercases, trims, deduplicates and sorts tags.
func NormalizeTags(tags []string) TagList {
	seen := make(map[string]struct{}, len(tags))
	out := make(TagList, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether the tag set includes the given tag after
// normalization.
func (t TagList) Contains(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, v := range t {
		if v == tag {
			return true
		}
	}
	return false
}

func (t TagList) Value() (driver.Value, error) {
	if t == nil {
		t = TagList{}
	}
	return json.Marshal(t)
}

func (t *TagList) Scan(value interface{}) error {
	return scanJSON(value, t)
}

// IDList is a set of record ids stored as a JSONB array; used for the
// summary back-reference.
type IDList []string

func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *IDList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

func scanJSON(value, dst interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported column type %T", value)
	}
}
