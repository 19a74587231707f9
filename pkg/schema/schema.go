package schema

import (
	"fmt"
	"strings"
	"time"
)

type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Nullable    bool   `json:"nullable"`
	Description string `json:"description,omitempty"`
}

type TableSchema struct {
	Project     string    `json:"project"`
	Dataset     string    `json:"dataset"`
	TableName   string    `json:"table_name"`
	Description string    `json:"description,omitempty"`
	Columns     []Column  `json:"columns"`
	DomainTag   string    `json:"domain_tag,omitempty"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// Document is the text embedded for vector search.
func (t TableSchema) Document() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "table %s", t.TableName)
	if t.Description != "" {
		fmt.Fprintf(&sb, ": %s", t.Description)
	}
	if t.DomainTag != "" {
		fmt.Fprintf(&sb, " (domain %s)", t.DomainTag)
	}
	sb.WriteString("\n")
	for _, c := range t.Columns {
		fmt.Fprintf(&sb, "column %s %s", c.Name, c.Type)
		if c.Description != "" {
			fmt.Fprintf(&sb, ": %s", c.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Format renders the table for the prompt schema block.
func (t TableSchema) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Table: %s\n", t.TableName)
	if t.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", t.Description)
	}
	sb.WriteString("Columns:\n")
	for _, c := range t.Columns {
		null := "NOT NULL"
		if c.Nullable {
			null = "NULL"
		}
		fmt.Fprintf(&sb, "  - %s (%s, %s)", c.Name, c.Type, null)
		if c.Description != "" {
			fmt.Fprintf(&sb, ": %s", c.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (t TableSchema) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

func Names(tables []TableSchema) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.TableName
	}
	return out
}
