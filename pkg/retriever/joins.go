package retriever

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
)

type KeyPair struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// JoinHint is a predeclared relationship between two tables.
type JoinHint struct {
	SourceTable  string    `yaml:"source_table"`
	TargetTable  string    `yaml:"target_table"`
	SourceAlias  string    `yaml:"source_alias"`
	TargetAlias  string    `yaml:"target_alias"`
	KeyPairs     []KeyPair `yaml:"key_pairs"`
	Kind         JoinKind  `yaml:"kind"`
	// LeadingZeros marks source keys stored zero-padded while target keys
	// are not.
	LeadingZeros bool      `yaml:"leading_zeros"`
	Note         string    `yaml:"note"`
}

// Condition renders the ON clause using the hint's aliases.
func (h JoinHint) Condition() string {
	parts := make([]string, 0, len(h.KeyPairs))
	for _, kp := range h.KeyPairs {
		left := h.SourceAlias + "." + kp.Source
		if h.LeadingZeros {
			left = fmt.Sprintf("LTRIM(%s, '0')", left)
		}
		parts = append(parts, fmt.Sprintf("%s = %s.%s", left, h.TargetAlias, kp.Target))
	}
	return strings.Join(parts, " AND ")
}

// Clause renders the full JOIN clause, e.g.
// "INNER JOIN t AS b ON LTRIM(a.k, '0') = b.k".
func (h JoinHint) Clause() string {
	kw := "INNER JOIN"
	if h.Kind == JoinLeft {
		kw = "LEFT JOIN"
	}
	return fmt.Sprintf("%s %s AS %s ON %s", kw, h.TargetTable, h.TargetAlias, h.Condition())
}

func (h JoinHint) validate() error {
	if h.SourceTable == "" || h.TargetTable == "" {
		return fmt.Errorf("join hint requires both tables")
	}
	if h.SourceTable == h.TargetTable {
		return fmt.Errorf("join hint %s joins a table to itself", h.SourceTable)
	}
	if len(h.KeyPairs) == 0 {
		return fmt.Errorf("join hint %s-%s has no key pairs", h.SourceTable, h.TargetTable)
	}
	switch h.Kind {
	case JoinInner, JoinLeft:
	default:
		return fmt.Errorf("join hint %s-%s has unknown kind %q", h.SourceTable, h.TargetTable, h.Kind)
	}
	return nil
}

type pairKey struct{ a, b string }

func keyOf(x, y string) pairKey {
	x, y = strings.ToLower(x), strings.ToLower(y)
	if x > y {
		x, y = y, x
	}
	return pairKey{x, y}
}

// Registry holds at most one JoinHint per unordered table pair.
type Registry struct {
	hints map[pairKey]JoinHint
}

func NewRegistry(hints ...JoinHint) (*Registry, error) {
	r := &Registry{hints: make(map[pairKey]JoinHint, len(hints))}
	for _, h := range hints {
		if err := r.Add(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers h, replacing any hint for the same pair.
func (r *Registry) Add(h JoinHint) error {
	if h.Kind == "" {
		h.Kind = JoinInner
	}
	if h.SourceAlias == "" {
		h.SourceAlias = h.SourceTable
	}
	if h.TargetAlias == "" {
		h.TargetAlias = h.TargetTable
	}
	if err := h.validate(); err != nil {
		return err
	}
	r.hints[keyOf(h.SourceTable, h.TargetTable)] = h
	return nil
}

func (r *Registry) Lookup(a, b string) (JoinHint, bool) {
	h, ok := r.hints[keyOf(a, b)]
	return h, ok
}

// HintsFor returns the hints among every pair of tables, in table order.
func (r *Registry) HintsFor(tables []string) []JoinHint {
	var out []JoinHint
	for i := 0; i < len(tables); i++ {
		for j := i + 1; j < len(tables); j++ {
			if h, ok := r.Lookup(tables[i], tables[j]); ok {
				out = append(out, h)
			}
		}
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.hints)
}

type registryFile struct {
	Joins []JoinHint `yaml:"joins"`
}

// LoadRegistry merges hints from a YAML document into the default registry.
func LoadRegistry(rd io.Reader) (*Registry, error) {
	var f registryFile
	if err := yaml.NewDecoder(rd).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode join registry: %w", err)
	}
	r := DefaultRegistry()
	for _, h := range f.Joins {
		if err := r.Add(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns the relationships between the curated tables.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		JoinHint{
			SourceTable:  "dataset_25m_table",
			TargetTable:  "sales_order_cockpit_export",
			SourceAlias:  "copa",
			TargetAlias:  "cockpit",
			KeyPairs:     []KeyPair{{Source: "Sales_Order_KDAUF", Target: "SalesDocument_VBELN"}},
			Kind:         JoinInner,
			LeadingZeros: true,
			Note:         "COPA order numbers are zero-padded; cockpit order numbers are not",
		},
		JoinHint{
			SourceTable: "gl_line_items",
			TargetTable: "gl_accounts",
			SourceAlias: "gl",
			TargetAlias: "acct",
			KeyPairs:    []KeyPair{{Source: "GL_Account", Target: "Account_Number"}},
			Kind:        JoinLeft,
		},
		JoinHint{
			SourceTable: "sales_order_cockpit_export",
			TargetTable: "customer_master",
			SourceAlias: "cockpit",
			TargetAlias: "cust",
			KeyPairs:    []KeyPair{{Source: "SoldToParty_KUNNR", Target: "Customer_KUNNR"}},
			Kind:        JoinLeft,
		},
		JoinHint{
			SourceTable:  "dataset_25m_table",
			TargetTable:  "material_master",
			SourceAlias:  "copa",
			TargetAlias:  "mat",
			KeyPairs:     []KeyPair{{Source: "Material_MATNR", Target: "Material_MATNR"}},
			Kind:         JoinLeft,
			LeadingZeros: true,
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}
