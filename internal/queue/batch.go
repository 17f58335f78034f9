package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// batchSchema gates queue input before any queue work begins. Malformed
// batches are an operator input error, not a run failure.
const batchSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["items"],
  "additionalProperties": false,
  "properties": {
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "id", "title"],
        "additionalProperties": false,
        "properties": {
          "source":     {"type": "string", "minLength": 1},
          "id":         {"type": "string", "minLength": 1},
          "title":      {"type": "string", "minLength": 1},
          "repo_path":  {"type": "string"},
          "depends_on": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "difficulty": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var compiledBatchSchema = mustCompileBatchSchema()

func mustCompileBatchSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("batch.json", strings.NewReader(batchSchema)); err != nil {
		panic(fmt.Sprintf("queue: add batch schema: %v", err))
	}
	s, err := c.Compile("batch.json")
	if err != nil {
		panic(fmt.Sprintf("queue: compile batch schema: %v", err))
	}
	return s
}

type batchDoc struct {
	Items []batchItem `json:"items"`
}

type batchItem struct {
	Source     string   `json:"source"`
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	RepoPath   string   `json:"repo_path"`
	DependsOn  []string `json:"depends_on"`
	Difficulty int      `json:"difficulty"`
}

// LoadBatch reads and validates a work-item batch file, returning pending
// items with unqualified dependencies (callers normalize after filtering).
func LoadBatch(path string) ([]*Item, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBatch(b)
}

// ParseBatch validates raw batch JSON against the embedded schema and
// converts it to pending work items. Duplicate source#id pairs are rejected.
func ParseBatch(b []byte) ([]*Item, error) {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("batch: decode: %w", err)
	}
	if err := compiledBatchSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("batch: schema: %w", err)
	}
	var doc batchDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("batch: decode: %w", err)
	}

	seen := map[string]bool{}
	items := make([]*Item, 0, len(doc.Items))
	for _, bi := range doc.Items {
		it := &Item{
			Source:     bi.Source,
			ID:         bi.ID,
			Title:      bi.Title,
			RepoPath:   bi.RepoPath,
			DependsOn:  append([]string{}, bi.DependsOn...),
			Difficulty: bi.Difficulty,
			Status:     StatusPending,
		}
		if seen[it.Ref()] {
			return nil, fmt.Errorf("batch: duplicate item %s", it.Ref())
		}
		seen[it.Ref()] = true
		items = append(items, it)
	}
	return items, nil
}
