package llm

import (
	"bytes"
	"encoding/json"
	"strings"
)

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Generation is the input of the generate_sql tool.
type Generation struct {
	SQL                 string     `json:"sql" jsonschema:"a single read-only PostgreSQL query answering the question"`
	Explanation         string     `json:"explanation" jsonschema:"one or two sentences on how the query answers the question"`
	TablesUsed          TableList  `json:"tables_used" jsonschema:"names of the tables the query reads"`
	EstimatedComplexity Complexity `json:"estimated_complexity" jsonschema:"low, medium or high"`
	OptimizationNotes   string     `json:"optimization_notes,omitempty" jsonschema:"optional notes on performance"`
}

// TableList decodes a JSON list of table names. A comma-separated string
// is split; any other shape decodes to an empty list.
type TableList []string

func (t *TableList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = nonEmpty(list)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = nonEmpty(strings.Split(s, ","))
		return nil
	}
	*t = TableList{}
	return nil
}

func nonEmpty(in []string) TableList {
	out := make(TableList, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c Complexity) normalize() Complexity {
	switch strings.ToLower(strings.TrimSpace(string(c))) {
	case "low":
		return ComplexityLow
	case "high":
		return ComplexityHigh
	default:
		return ComplexityMedium
	}
}
