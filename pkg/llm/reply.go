package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// ReplyKind tags how the model delivered its answer.
type ReplyKind int

const (
	// ReplyObject is a tool call whose arguments are a JSON object.
	ReplyObject ReplyKind = iota
	// ReplyString is a tool call whose arguments are a JSON-encoded string.
	ReplyString
	// ReplyText is a message without a tool call.
	ReplyText
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyObject:
		return "object"
	case ReplyString:
		return "string"
	default:
		return "text"
	}
}

// Reply is one of three variants; only the field matching Kind is set.
type Reply struct {
	Kind   ReplyKind
	Object json.RawMessage
	String string
	Text   string
}

var errNoSQL = errors.New("no SQL in model reply")

// replyFromMessage picks the generate_sql tool call if there is one and
// otherwise collects the message text.
func replyFromMessage(msg *anthropic.Message, tool string) Reply {
	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			if block.Name != tool {
				continue
			}
			raw := bytes.TrimSpace(block.Input)
			if len(raw) > 0 && raw[0] == '"' {
				var s string
				if err := json.Unmarshal(raw, &s); err == nil {
					return Reply{Kind: ReplyString, String: s}
				}
			}
			if len(raw) > 0 && raw[0] == '{' {
				return Reply{Kind: ReplyObject, Object: json.RawMessage(raw)}
			}
		case "text":
			text = append(text, block.Text)
		}
	}
	return Reply{Kind: ReplyText, Text: strings.Join(text, "\n")}
}

// Parse decodes a reply into a Generation.
func (r Reply) Parse() (Generation, error) {
	var gen Generation
	switch r.Kind {
	case ReplyObject:
		if err := json.Unmarshal(r.Object, &gen); err != nil {
			return Generation{}, err
		}
	case ReplyString:
		if err := json.Unmarshal([]byte(r.String), &gen); err != nil {
			return ExtractFromText(r.String)
		}
	default:
		return ExtractFromText(r.Text)
	}
	gen.SQL = cleanSQL(gen.SQL)
	if gen.SQL == "" {
		return Generation{}, errNoSQL
	}
	if gen.TablesUsed == nil {
		gen.TablesUsed = TableList{}
	}
	gen.EstimatedComplexity = gen.EstimatedComplexity.normalize()
	return gen, nil
}

var (
	fencedSQLRe = regexp.MustCompile("(?is)```sql\\s*(.*?)```")
	statementRe = regexp.MustCompile(`(?ism)^[ \t]*(?:WITH|SELECT)\b.*`)
)

// ExtractFromText recovers a generation from free text: a fenced sql block,
// then an embedded JSON object, then the first SELECT or WITH statement.
func ExtractFromText(text string) (Generation, error) {
	if m := fencedSQLRe.FindStringSubmatch(text); m != nil {
		if sql := cleanSQL(m[1]); sql != "" {
			return textGeneration(sql, extractExplanation(text)), nil
		}
	}

	if obj := extractJSON(text); obj != "" {
		var gen Generation
		if err := json.Unmarshal([]byte(obj), &gen); err == nil && strings.TrimSpace(gen.SQL) != "" {
			gen.SQL = cleanSQL(gen.SQL)
			if gen.TablesUsed == nil {
				gen.TablesUsed = TableList{}
			}
			gen.EstimatedComplexity = gen.EstimatedComplexity.normalize()
			return gen, nil
		}
	}

	if loc := statementRe.FindStringIndex(text); loc != nil {
		stmt := text[loc[0]:]
		if i := strings.LastIndex(stmt, ";"); i >= 0 {
			stmt = stmt[:i]
		}
		if sql := cleanSQL(stmt); sql != "" {
			return textGeneration(sql, strings.TrimSpace(text[:loc[0]])), nil
		}
	}
	return Generation{}, errNoSQL
}

func textGeneration(sql, explanation string) Generation {
	return Generation{
		SQL:                 sql,
		Explanation:         explanation,
		TablesUsed:          TableList{},
		EstimatedComplexity: ComplexityMedium,
	}
}

// extractJSON returns the first balanced JSON object in s.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func cleanSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	return strings.TrimSpace(sql)
}

// extractExplanation returns the text outside code fences, truncated.
func extractExplanation(response string) string {
	result := response
	for {
		start := strings.Index(result, "```")
		if start == -1 {
			break
		}
		end := strings.Index(result[start+3:], "```")
		if end == -1 {
			break
		}
		result = result[:start] + result[start+3+end+3:]
	}
	result = strings.TrimSpace(result)
	if len(result) > 500 {
		result = result[:500] + "..."
	}
	return result
}
