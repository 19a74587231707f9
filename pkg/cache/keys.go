package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// Prefix scopes every cache key. A key lives under exactly one prefix, and
// the prefix decides both its default TTL and its codec.
type Prefix string

const (
	PrefixSQL        Prefix = "sql:"
	PrefixSchema     Prefix = "schema:"
	PrefixEmbedding  Prefix = "embedding:"
	PrefixValidation Prefix = "validation:"
	PrefixResult     Prefix = "result:"
	PrefixSession    Prefix = "session:"
	PrefixMVList     Prefix = "mv:list:"
	PrefixMVStats    Prefix = "mv:stats:"
	PrefixMVRecs     Prefix = "mv:recommendations:"
	PrefixMVCost     Prefix = "mv:cost:"
	PrefixOptReport  Prefix = "opt:report:"
)

var Prefixes = []Prefix{
	PrefixSQL,
	PrefixSchema,
	PrefixEmbedding,
	PrefixValidation,
	PrefixResult,
	PrefixSession,
	PrefixMVList,
	PrefixMVStats,
	PrefixMVRecs,
	PrefixMVCost,
	PrefixOptReport,
}

const (
	day = 24 * time.Hour

	TTLSQLLow        = 7 * day
	TTLSQLMedium     = 3 * day
	TTLSQLHigh       = 1 * day
	TTLSchema        = 24 * time.Hour
	TTLEmbedding     = 30 * day
	TTLValidation    = time.Hour
	TTLResult        = 5 * time.Minute
	TTLSession       = 24 * time.Hour
	TTLMVList        = time.Hour
	TTLMVStats       = 6 * time.Hour
	TTLMVRecs        = 24 * time.Hour
	TTLMVCost        = 168 * time.Hour
	TTLOptReport     = 24 * time.Hour
	schemaIndexStamp = "index:timestamp"
)

func (p Prefix) String() string { return string(p) }

// Label is the prefix without its trailing colon, for metric labels.
func (p Prefix) Label() string { return strings.TrimSuffix(string(p), ":") }

// TTL returns the default TTL for entries under the prefix. SQL entries
// depend on complexity and default to the medium TTL.
func (p Prefix) TTL(complexity string) time.Duration {
	switch p {
	case PrefixSQL:
		switch complexity {
		case "low":
			return TTLSQLLow
		case "high":
			return TTLSQLHigh
		default:
			return TTLSQLMedium
		}
	case PrefixSchema:
		return TTLSchema
	case PrefixEmbedding:
		return TTLEmbedding
	case PrefixValidation:
		return TTLValidation
	case PrefixResult:
		return TTLResult
	case PrefixSession:
		return TTLSession
	case PrefixMVList:
		return TTLMVList
	case PrefixMVStats:
		return TTLMVStats
	case PrefixMVRecs:
		return TTLMVRecs
	case PrefixMVCost:
		return TTLMVCost
	case PrefixOptReport:
		return TTLOptReport
	}
	return TTLResult
}

// PrefixOf returns the prefix that owns key. Longer prefixes win so that
// "mv:list:" is never confused with a shorter sibling.
func PrefixOf(key string) (Prefix, bool) {
	var best Prefix
	for _, p := range Prefixes {
		if strings.HasPrefix(key, string(p)) && len(p) > len(best) {
			best = p
		}
	}
	return best, best != ""
}

// Hash returns the hex SHA-256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Normalize lower-cases a question and collapses runs of whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// SQLKey keys a generation by the normalized question and the table set it
// was generated against. Table order does not matter.
func SQLKey(question string, tables []string) string {
	sorted := slices.Clone(tables)
	slices.Sort(sorted)
	return string(PrefixSQL) + Hash(Normalize(question)) + ":" + Hash(strings.Join(sorted, ","))
}

func SchemaKey(project, dataset, table string) string {
	return string(PrefixSchema) + project + ":" + dataset + ":" + table
}

// SchemaIndexKey holds the warehouse modification time the vector index was
// last built against.
func SchemaIndexKey() string {
	return string(PrefixSchema) + schemaIndexStamp
}

func EmbeddingKey(text string) string {
	return string(PrefixEmbedding) + Hash(text)
}

func ValidationKey(sql string) string {
	return string(PrefixValidation) + Hash(sql)
}

func ResultKey(sql string) string {
	return string(PrefixResult) + Hash(sql)
}

func SessionKey(sessionID string) string {
	return string(PrefixSession) + sessionID + ":context"
}

func OptReportKey(sql string) string {
	return string(PrefixOptReport) + Hash(sql)
}

// MVKey builds a key under one of the materialized-view prefixes.
func MVKey(p Prefix, body string) string {
	return string(p) + body
}
