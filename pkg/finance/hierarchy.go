// Package finance classifies business questions against the financial
// hierarchy: L1 metrics, L2 account buckets and L3 GL accounts.
package finance

import (
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed hierarchy.yaml
var defaultHierarchy string

type Level string

const (
	LevelMetric  Level = "L1_METRIC"
	LevelBucket  Level = "L2_BUCKET"
	LevelAccount Level = "L3_ACCOUNT"
)

type Metric struct {
	Code       string   `yaml:"code" json:"code"`
	Name       string   `yaml:"name" json:"name"`
	Formula    string   `yaml:"formula" json:"formula"`
	Components []string `yaml:"components" json:"components"`
	Synonyms   []string `yaml:"synonyms" json:"-"`
}

// AccountRange is an inclusive range of GL account numbers of equal width.
type AccountRange struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

func (r AccountRange) Contains(account string) bool {
	if len(account) != len(r.From) {
		return false
	}
	return account >= r.From && account <= r.To
}

func (r AccountRange) String() string {
	return r.From + "-" + r.To
}

type Bucket struct {
	Code     string         `yaml:"code" json:"code"`
	Name     string         `yaml:"name" json:"name"`
	Ranges   []AccountRange `yaml:"ranges" json:"account_ranges"`
	Synonyms []string       `yaml:"synonyms" json:"-"`
}

func (b Bucket) Contains(account string) bool {
	for _, r := range b.Ranges {
		if r.Contains(account) {
			return true
		}
	}
	return false
}

type GLAccount struct {
	Number      string `yaml:"number" json:"number"`
	Description string `yaml:"description" json:"description"`
	BucketCode  string `yaml:"bucket" json:"bucket_code"`
}

// Hierarchy is read-only after construction.
type Hierarchy struct {
	Metrics    []Metric            `yaml:"metrics"`
	Buckets    []Bucket            `yaml:"buckets"`
	Accounts   []GLAccount         `yaml:"accounts"`
	Dimensions map[string][]string `yaml:"dimensions"`

	metrics  map[string]Metric
	buckets  map[string]Bucket
	accounts map[string]GLAccount
	phrases  []phrase
}

// DefaultHierarchy returns the built-in hierarchy.
func DefaultHierarchy() *Hierarchy {
	h, err := LoadHierarchy(strings.NewReader(defaultHierarchy))
	if err != nil {
		panic(fmt.Sprintf("finance: invalid built-in hierarchy: %v", err))
	}
	return h
}

func LoadHierarchy(r io.Reader) (*Hierarchy, error) {
	var h Hierarchy
	if err := yaml.NewDecoder(r).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode hierarchy: %w", err)
	}
	if err := h.index(); err != nil {
		return nil, err
	}
	return &h, nil
}

func (h *Hierarchy) index() error {
	h.metrics = make(map[string]Metric, len(h.Metrics))
	h.buckets = make(map[string]Bucket, len(h.Buckets))
	h.accounts = make(map[string]GLAccount, len(h.Accounts))
	h.phrases = nil

	for _, m := range h.Metrics {
		if m.Code == "" || m.Formula == "" {
			return fmt.Errorf("metric %q requires a code and a formula", m.Name)
		}
		h.metrics[m.Code] = m
		for _, s := range m.Synonyms {
			h.phrases = append(h.phrases, phrase{text: strings.ToLower(s), kind: kindMetric, code: m.Code})
		}
	}
	for _, b := range h.Buckets {
		if b.Code == "" {
			return fmt.Errorf("bucket %q requires a code", b.Name)
		}
		h.buckets[b.Code] = b
		for _, s := range b.Synonyms {
			h.phrases = append(h.phrases, phrase{text: strings.ToLower(s), kind: kindBucket, code: b.Code})
		}
	}
	for _, a := range h.Accounts {
		if _, ok := h.buckets[a.BucketCode]; !ok {
			return fmt.Errorf("account %s references unknown bucket %q", a.Number, a.BucketCode)
		}
		h.accounts[a.Number] = a
	}
	for dim, words := range h.Dimensions {
		for _, w := range words {
			h.phrases = append(h.phrases, phrase{text: strings.ToLower(w), kind: kindDimension, code: dim})
		}
	}

	// Longest phrases claim their words first: "gross margin percentage"
	// must not also count as "margin".
	sort.SliceStable(h.phrases, func(i, j int) bool {
		if len(h.phrases[i].text) != len(h.phrases[j].text) {
			return len(h.phrases[i].text) > len(h.phrases[j].text)
		}
		return h.phrases[i].text < h.phrases[j].text
	})
	return nil
}

func (h *Hierarchy) Metric(code string) (Metric, bool) {
	m, ok := h.metrics[strings.ToUpper(code)]
	return m, ok
}

func (h *Hierarchy) Bucket(code string) (Bucket, bool) {
	b, ok := h.buckets[strings.ToUpper(code)]
	return b, ok
}

func (h *Hierarchy) Account(number string) (GLAccount, bool) {
	a, ok := h.accounts[number]
	return a, ok
}

// AccountsForBucket lists the known accounts whose number falls in the
// bucket's ranges.
func (h *Hierarchy) AccountsForBucket(code string) []GLAccount {
	b, ok := h.Bucket(code)
	if !ok {
		return nil
	}
	var out []GLAccount
	for _, a := range h.Accounts {
		if b.Contains(a.Number) {
			out = append(out, a)
		}
	}
	return out
}

// BucketOf finds the bucket an account number falls into.
func (h *Hierarchy) BucketOf(account string) (Bucket, bool) {
	for _, b := range h.Buckets {
		if b.Contains(account) {
			return b, true
		}
	}
	return Bucket{}, false
}
