package kg

import (
	"slices"
	"strings"

	"github.com/malbeclabs/nl2sql/pkg/finance"
)

// SynonymSet maps equivalent terms to a primary term. Target is the code of
// the metric or bucket the set refers to, if any.
type SynonymSet struct {
	Primary     string   `json:"primary"`
	Equivalents []string `json:"equivalents"`
	Category    string   `json:"category"`
	Target      string   `json:"target,omitempty"`
}

type Rule struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	AppliesTo   []string `json:"applies_to"`
}

// Graph is the decoded knowledge graph. It is immutable once published.
type Graph struct {
	Metrics        map[string]finance.Metric    `json:"metrics"`
	Buckets        map[string]finance.Bucket    `json:"buckets"`
	Accounts       map[string]finance.GLAccount `json:"accounts"`
	// ClientAccounts overrides bucket membership per client: client ->
	// account number -> bucket code.
	ClientAccounts map[string]map[string]string `json:"client_accounts,omitempty"`
	Synonyms       []SynonymSet                 `json:"synonyms"`
	Rules          []Rule                       `json:"rules"`
}

func newGraph() *Graph {
	return &Graph{
		Metrics:        make(map[string]finance.Metric),
		Buckets:        make(map[string]finance.Bucket),
		Accounts:       make(map[string]finance.GLAccount),
		ClientAccounts: make(map[string]map[string]string),
	}
}

// FromHierarchy builds a graph from the built-in hierarchy. Used when the
// graph source cannot be loaded.
func FromHierarchy(h *finance.Hierarchy) *Graph {
	g := newGraph()
	for _, m := range h.Metrics {
		g.Metrics[m.Code] = m
		if len(m.Synonyms) > 0 {
			g.Synonyms = append(g.Synonyms, SynonymSet{
				Primary: m.Synonyms[0], Equivalents: m.Synonyms[1:], Category: "metric", Target: m.Code,
			})
		}
	}
	for _, b := range h.Buckets {
		g.Buckets[b.Code] = b
		if len(b.Synonyms) > 0 {
			g.Synonyms = append(g.Synonyms, SynonymSet{
				Primary: b.Synonyms[0], Equivalents: b.Synonyms[1:], Category: "bucket", Target: b.Code,
			})
		}
	}
	for _, a := range h.Accounts {
		g.Accounts[a.Number] = a
	}
	return g
}

// BucketFor resolves an account's bucket, honouring client overrides.
func (g *Graph) BucketFor(account, client string) (string, bool) {
	if client != "" {
		if b, ok := g.ClientAccounts[client][account]; ok {
			return b, true
		}
	}
	if a, ok := g.Accounts[account]; ok && a.BucketCode != "" {
		return a.BucketCode, true
	}
	for _, b := range g.Buckets {
		if b.Contains(account) {
			return b.Code, true
		}
	}
	return "", false
}

// AccountsForBucket lists a bucket's accounts, including the client's own
// memberships, sorted by number.
func (g *Graph) AccountsForBucket(bucket, client string) []finance.GLAccount {
	bucket = strings.ToUpper(bucket)
	if _, ok := g.Buckets[bucket]; !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []finance.GLAccount
	for _, a := range g.Accounts {
		if code, _ := g.BucketFor(a.Number, client); code == bucket {
			a.BucketCode = bucket
			out = append(out, a)
			seen[a.Number] = true
		}
	}
	for num, code := range g.ClientAccounts[client] {
		if code == bucket && !seen[num] {
			out = append(out, finance.GLAccount{Number: num, BucketCode: bucket})
		}
	}
	slices.SortFunc(out, func(a, b finance.GLAccount) int { return strings.Compare(a.Number, b.Number) })
	return out
}
