package kg

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/knakk/rdf"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/nl2sql/pkg/finance"
)

const (
	ns      = "http://nl2sql.dev/finance#"
	rdfType = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	rdfsLbl = "http://www.w3.org/2000/01/rdf-schema#label"

	classMetric     = ns + "Metric"
	classBucket     = ns + "Bucket"
	classAccount    = ns + "Account"
	classSynonymSet = ns + "SynonymSet"
	classRule       = ns + "BusinessRule"
)

// subject collects every object per predicate for one subject.
type subject map[string][]string

func (s subject) one(pred string) string {
	if v := s[pred]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (s subject) is(class string) bool {
	return slices.Contains(s[rdfType], class)
}

// localName strips the namespace from an IRI.
func localName(iri string) string {
	if i := strings.LastIndexAny(iri, "#/"); i >= 0 {
		return iri[i+1:]
	}
	return iri
}

// ParseTurtle decodes a finance graph from Turtle.
func ParseTurtle(r io.Reader) (*Graph, error) {
	dec := rdf.NewTripleDecoder(r, rdf.Turtle)
	subjects := make(map[string]subject)
	var order []string
	for {
		tr, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode turtle: %w", err)
		}
		id := tr.Subj.String()
		s, ok := subjects[id]
		if !ok {
			s = make(subject)
			subjects[id] = s
			order = append(order, id)
		}
		pred := tr.Pred.String()
		s[pred] = append(s[pred], tr.Obj.String())
	}

	g := newGraph()
	for _, id := range order {
		s := subjects[id]
		code := localName(id)
		switch {
		case s.is(classMetric):
			g.Metrics[code] = finance.Metric{
				Code:       code,
				Name:       s.one(rdfsLbl),
				Formula:    s.one(ns + "formula"),
				Components: s[ns+"component"],
			}
		case s.is(classBucket):
			b := finance.Bucket{Code: code, Name: s.one(rdfsLbl)}
			for _, rng := range s[ns+"accountRange"] {
				from, to, ok := strings.Cut(rng, "-")
				if !ok || len(from) != len(to) {
					return nil, fmt.Errorf("bucket %s has malformed account range %q", code, rng)
				}
				b.Ranges = append(b.Ranges, finance.AccountRange{From: from, To: to})
			}
			g.Buckets[code] = b
		case s.is(classAccount):
			num := s.one(ns + "number")
			if num == "" {
				return nil, fmt.Errorf("account %s has no number", code)
			}
			g.Accounts[num] = finance.GLAccount{
				Number:      num,
				Description: s.one(rdfsLbl),
				BucketCode:  localName(s.one(ns + "inBucket")),
			}
		case s.is(classSynonymSet):
			set := SynonymSet{
				Primary:     strings.ToLower(s.one(ns + "primary")),
				Category:    s.one(ns + "category"),
				Target:      localName(s.one(ns + "refersTo")),
				Equivalents: make([]string, 0, len(s[ns+"equivalent"])),
			}
			for _, e := range s[ns+"equivalent"] {
				set.Equivalents = append(set.Equivalents, strings.ToLower(e))
			}
			g.Synonyms = append(g.Synonyms, set)
		case s.is(classRule):
			r := Rule{ID: code, Label: s.one(rdfsLbl), Description: s.one(ns + "description")}
			for _, t := range s[ns+"appliesTo"] {
				r.AppliesTo = append(r.AppliesTo, localName(t))
			}
			g.Rules = append(g.Rules, r)
		}
	}
	if len(g.Metrics) == 0 {
		return nil, errors.New("graph defines no metrics")
	}
	return g, nil
}

type clientMapping struct {
	Clients map[string]struct {
		Accounts map[string]string   `yaml:"accounts"`
		Buckets  map[string][]string `yaml:"buckets"`
	} `yaml:"clients"`
}

// ApplyClientMapping merges per-client bucket memberships from YAML.
func (g *Graph) ApplyClientMapping(r io.Reader) error {
	var m clientMapping
	if err := yaml.NewDecoder(r).Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode client mapping: %w", err)
	}
	for client, cm := range m.Clients {
		accounts := g.ClientAccounts[client]
		if accounts == nil {
			accounts = make(map[string]string)
			g.ClientAccounts[client] = accounts
		}
		for num, bucket := range cm.Accounts {
			if _, ok := g.Buckets[bucket]; !ok {
				return fmt.Errorf("client %s maps %s to unknown bucket %q", client, num, bucket)
			}
			accounts[num] = bucket
		}
		for bucket, nums := range cm.Buckets {
			if _, ok := g.Buckets[bucket]; !ok {
				return fmt.Errorf("client %s lists unknown bucket %q", client, bucket)
			}
			for _, num := range nums {
				accounts[num] = bucket
			}
		}
	}
	return nil
}
