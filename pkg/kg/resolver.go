// Package kg resolves financial terms in questions against an RDF knowledge
// graph of metrics, account buckets, GL accounts, synonyms and rules.
package kg

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/malbeclabs/nl2sql/pkg/cache"
	"github.com/malbeclabs/nl2sql/pkg/finance"
)

const (
	blobKeyPrefix = "kg:graph:"
	blobTTL       = 7 * 24 * time.Hour

	defaultRetryInterval = time.Minute
)

var accountRe = regexp.MustCompile(`\b\d{6}\b`)

// Sink mirrors a loaded graph into an external graph database.
type Sink interface {
	Sync(ctx context.Context, g *Graph) error
}

type Config struct {
	Logger            *slog.Logger
	TurtlePath        string
	ClientMappingPath string
	Client            string
	// Backend stores the compressed graph blob. Optional.
	Backend           cache.Backend
	Fallback          *finance.Hierarchy
	Sink              Sink
	Clock             clockwork.Clock

	RetryInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Fallback == nil {
		c.Fallback = finance.DefaultHierarchy()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	return nil
}

// ResolvedContext is what the graph knows about a question.
type ResolvedContext struct {
	Metrics           []finance.Metric    `json:"metrics,omitempty"`
	Buckets           []finance.Bucket    `json:"buckets,omitempty"`
	GLAccounts        []finance.GLAccount `json:"gl_accounts,omitempty"`
	Synonyms          map[string]string   `json:"synonyms,omitempty"`
	Rules             []Rule              `json:"rules,omitempty"`
	Confidence        float64             `json:"confidence"`
	SuggestedQuestion string              `json:"suggested_question,omitempty"`
	// Degraded is set when the answer came from the built-in hierarchy.
	Degraded          bool                `json:"degraded,omitempty"`
}

type term struct {
	text    string
	primary string
	set     *SynonymSet
}

type loaded struct {
	graph    *Graph
	terms    []term
	degraded bool
}

// Resolver loads the graph once per process and answers lookups from
// memory. A failed load degrades to the built-in hierarchy and is retried
// after RetryInterval.
type Resolver struct {
	log *slog.Logger
	cfg Config

	group singleflight.Group

	mu          sync.RWMutex
	state       *loaded
	lastAttempt time.Time
}

func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate kg config: %w", err)
	}
	return &Resolver{log: cfg.Logger, cfg: cfg}, nil
}

func (r *Resolver) current(ctx context.Context) *loaded {
	r.mu.RLock()
	st := r.state
	retry := st == nil || (st.degraded && r.cfg.Clock.Since(r.lastAttempt) >= r.cfg.RetryInterval)
	r.mu.RUnlock()
	if !retry {
		return st
	}

	v, _, _ := r.group.Do("load", func() (any, error) {
		r.mu.RLock()
		st := r.state
		fresh := st != nil && (!st.degraded || r.cfg.Clock.Since(r.lastAttempt) < r.cfg.RetryInterval)
		r.mu.RUnlock()
		if fresh {
			return st, nil
		}

		next := r.load(ctx)
		r.mu.Lock()
		r.state = next
		r.lastAttempt = r.cfg.Clock.Now()
		r.mu.Unlock()
		return next, nil
	})
	return v.(*loaded)
}

func (r *Resolver) load(ctx context.Context) *loaded {
	g, err := r.loadGraph(ctx)
	if err != nil {
		r.log.Warn("kg: graph unavailable, using built-in hierarchy", "error", err)
		return newLoaded(FromHierarchy(r.cfg.Fallback), true)
	}
	if r.cfg.Sink != nil {
		if err := r.cfg.Sink.Sync(ctx, g); err != nil {
			r.log.Warn("kg: sink sync failed", "error", err)
		}
	}
	r.log.Info("kg: graph loaded", "metrics", len(g.Metrics), "buckets", len(g.Buckets),
		"accounts", len(g.Accounts), "synonym_sets", len(g.Synonyms), "rules", len(g.Rules))
	return newLoaded(g, false)
}

// Load forces the initial load and reports whether the graph source was
// used.
func (r *Resolver) Load(ctx context.Context) bool {
	return !r.current(ctx).degraded
}

func (r *Resolver) loadGraph(ctx context.Context) (*Graph, error) {
	if r.cfg.TurtlePath == "" {
		return nil, errors.New("no turtle source configured")
	}
	ttl, err := os.ReadFile(r.cfg.TurtlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read turtle source: %w", err)
	}
	var mapping []byte
	if r.cfg.ClientMappingPath != "" {
		if mapping, err = os.ReadFile(r.cfg.ClientMappingPath); err != nil {
			return nil, fmt.Errorf("failed to read client mapping: %w", err)
		}
	}

	sum := sha256.New()
	sum.Write(ttl)
	sum.Write(mapping)
	key := blobKeyPrefix + hex.EncodeToString(sum.Sum(nil))[:16]

	if g, ok := r.readBlob(ctx, key); ok {
		return g, nil
	}

	g, err := ParseTurtle(bytes.NewReader(ttl))
	if err != nil {
		return nil, err
	}
	if len(mapping) > 0 {
		if err := g.ApplyClientMapping(bytes.NewReader(mapping)); err != nil {
			return nil, err
		}
	}
	r.writeBlob(ctx, key, g)
	return g, nil
}

func (r *Resolver) readBlob(ctx context.Context, key string) (*Graph, bool) {
	if r.cfg.Backend == nil {
		return nil, false
	}
	data, err := r.cfg.Backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.log.Warn("kg: blob read failed", "key", key, "error", err)
		}
		return nil, false
	}
	g, err := decodeBlob(data)
	if err != nil {
		r.log.Warn("kg: blob decode failed", "key", key, "error", err)
		return nil, false
	}
	r.log.Debug("kg: graph restored from cache", "key", key)
	return g, true
}

func (r *Resolver) writeBlob(ctx context.Context, key string, g *Graph) {
	if r.cfg.Backend == nil {
		return
	}
	data, err := encodeBlob(g)
	if err != nil {
		r.log.Warn("kg: blob encode failed", "error", err)
		return
	}
	if err := r.cfg.Backend.Set(ctx, key, data, blobTTL); err != nil {
		r.log.Warn("kg: blob write failed", "key", key, "error", err)
	}
}

func encodeBlob(g *Graph) ([]byte, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func decodeBlob(data []byte) (*Graph, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	g := newGraph()
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, err
	}
	return g, nil
}

func newLoaded(g *Graph, degraded bool) *loaded {
	st := &loaded{graph: g, degraded: degraded}
	for i := range g.Synonyms {
		set := &g.Synonyms[i]
		st.terms = append(st.terms, term{text: set.Primary, primary: set.Primary, set: set})
		for _, e := range set.Equivalents {
			st.terms = append(st.terms, term{text: e, primary: set.Primary, set: set})
		}
	}
	sort.SliceStable(st.terms, func(i, j int) bool { return len(st.terms[i].text) > len(st.terms[j].text) })
	return st
}

func normalize(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&'
	})
	return strings.Join(words, " ")
}

// Resolve finds the metrics, buckets, accounts, synonyms and rules a
// question refers to.
func (r *Resolver) Resolve(ctx context.Context, question string) *ResolvedContext {
	st := r.current(ctx)
	g := st.graph
	out := &ResolvedContext{Synonyms: make(map[string]string), Degraded: st.degraded}

	text := normalize(question)
	work := " " + text + " "
	suggested := work
	var codes []string
	for _, t := range st.terms {
		needle := " " + t.text + " "
		if !strings.Contains(work, needle) {
			continue
		}
		work = strings.ReplaceAll(work, needle, " "+strings.Repeat("#", len(t.text))+" ")
		if t.text != t.primary {
			out.Synonyms[t.text] = t.primary
			suggested = strings.ReplaceAll(suggested, needle, " "+t.primary+" ")
		}
		switch t.set.Category {
		case "metric":
			if m, ok := g.Metrics[t.set.Target]; ok && !slices.ContainsFunc(out.Metrics, func(x finance.Metric) bool { return x.Code == m.Code }) {
				out.Metrics = append(out.Metrics, m)
				codes = append(codes, m.Code)
			}
		case "bucket":
			if b, ok := g.Buckets[t.set.Target]; ok && !slices.ContainsFunc(out.Buckets, func(x finance.Bucket) bool { return x.Code == b.Code }) {
				out.Buckets = append(out.Buckets, b)
				codes = append(codes, b.Code)
			}
		}
	}

	for _, num := range accountRe.FindAllString(text, -1) {
		bucket, ok := g.BucketFor(num, r.cfg.Client)
		if !ok {
			continue
		}
		a := g.Accounts[num]
		a.Number = num
		a.BucketCode = bucket
		out.GLAccounts = append(out.GLAccounts, a)
		codes = append(codes, bucket)
	}

	for _, rule := range g.Rules {
		for _, target := range rule.AppliesTo {
			if slices.Contains(codes, target) {
				out.Rules = append(out.Rules, rule)
				break
			}
		}
	}

	matches := len(out.Metrics) + len(out.Buckets) + len(out.GLAccounts)
	if matches > 0 {
		out.Confidence = min(0.5+0.15*float64(matches), 0.95)
		if st.degraded {
			out.Confidence = min(out.Confidence, 0.6)
		}
	}
	if s := strings.TrimSpace(suggested); s != text {
		out.SuggestedQuestion = s
	}
	return out
}

// GetMetricFormula returns the formula of an L1 metric.
func (r *Resolver) GetMetricFormula(ctx context.Context, code string) (string, bool) {
	m, ok := r.current(ctx).graph.Metrics[strings.ToUpper(code)]
	if !ok || m.Formula == "" {
		return "", false
	}
	return m.Formula, true
}

// GetGLAccountsForBucket lists a bucket's accounts. An empty client uses
// the configured client.
func (r *Resolver) GetGLAccountsForBucket(ctx context.Context, bucket, client string) []finance.GLAccount {
	if client == "" {
		client = r.cfg.Client
	}
	return r.current(ctx).graph.AccountsForBucket(bucket, client)
}

// Enrich merges graph knowledge into a parsed financial context. Graph
// formulas replace built-in ones; the parser's classification is kept.
func (r *Resolver) Enrich(ctx context.Context, question string, fc *finance.Context) *ResolvedContext {
	res := r.Resolve(ctx, question)
	for i, m := range fc.Metrics {
		if f, ok := r.GetMetricFormula(ctx, m.Code); ok {
			fc.Metrics[i].Formula = f
		}
	}
	for _, m := range res.Metrics {
		if !slices.ContainsFunc(fc.Metrics, func(x finance.Metric) bool { return x.Code == m.Code }) {
			fc.Metrics = append(fc.Metrics, m)
		}
	}
	for _, b := range res.Buckets {
		if !slices.ContainsFunc(fc.Buckets, func(x finance.Bucket) bool { return x.Code == b.Code }) {
			fc.Buckets = append(fc.Buckets, b)
		}
	}
	for _, a := range res.GLAccounts {
		if !slices.ContainsFunc(fc.GLAccounts, func(x finance.GLAccount) bool { return x.Number == a.Number }) {
			fc.GLAccounts = append(fc.GLAccounts, a)
		}
	}
	if fc.SynonymsResolved == nil {
		fc.SynonymsResolved = make(map[string]string)
	}
	for k, v := range res.Synonyms {
		if _, ok := fc.SynonymsResolved[k]; !ok {
			fc.SynonymsResolved[k] = v
		}
	}
	if res.Confidence > fc.Confidence {
		fc.Confidence = (fc.Confidence + res.Confidence) / 2
	}
	return res
}
