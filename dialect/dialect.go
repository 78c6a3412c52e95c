// SQL dialect normalizer for the legacy Oracle-style engine.
// Pure text transforms: no I/O, never returns an error.

package dialect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Oracle identifier length limit before 12.2.
const maxIdentifierLen = 30

var punctuationReplacer = strings.NewReplacer(
	"‘", "'", "’", "'", // smart single quotes
	"“", `"`, "”", `"`, // smart double quotes
	"–", "-", "—", "-", // en/em dash
	"…", "...", // ellipsis
	" ", " ", // non-breaking space
	"\r\n", "\n",
	"\uFEFF", "", // BOM
)

var (
	orphanCommaRe  = regexp.MustCompile(`,\s*((?i:FROM))\b`)
	aliasRe        = regexp.MustCompile(`(?i)\bAS\s+("?)([A-Za-z_][A-Za-z0-9_$#]*)("?)`)
	fetchFirstRe   = regexp.MustCompile(`(?is)\bFETCH\s+FIRST\s+(\d+)\s+ROWS?\s+ONLY\s*$`)
	limitRe        = regexp.MustCompile(`(?is)\bLIMIT\s+(\d+)\s*$`)
	simpleSelectRe = regexp.MustCompile(`(?is)^\s*SELECT\s+\*\s+FROM\s+((?:"[^"]+"|[A-Za-z_][A-Za-z0-9_$#]*)(?:\s*\.\s*(?:"[^"]+"|[A-Za-z_][A-Za-z0-9_$#]*))?)\s*;?\s*$`)
	fencedBlockRe  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
)

// Sanitize normalizes punctuation, strips comments and a trailing
// statement separator, removes a comma orphaned before FROM (a comment
// removal artifact), and truncates aliases beyond the 30 character
// identifier limit. Result semantics are unchanged.
func Sanitize(sql string) string {
	s := punctuationReplacer.Replace(sql)
	s = stripComments(s)
	s = orphanCommaRe.ReplaceAllString(s, " $1")
	s = truncateAliases(s)
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}

// stripComments removes /* */ and -- comments, respecting single and
// double quoted regions so quoted comment markers survive.
func stripComments(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	const (
		code = iota
		inSingle
		inDouble
		inBlock
		inLine
	)
	state := code
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch state {
		case code:
			switch {
			case c == '\'':
				state = inSingle
				b.WriteRune(c)
			case c == '"':
				state = inDouble
				b.WriteRune(c)
			case c == '/' && next == '*':
				state = inBlock
				i++
			case c == '-' && next == '-':
				state = inLine
				i++
			default:
				b.WriteRune(c)
			}
		case inSingle:
			b.WriteRune(c)
			if c == '\'' {
				// doubled quote is an escaped quote, stay in string
				if next == '\'' {
					b.WriteRune(next)
					i++
				} else {
					state = code
				}
			}
		case inDouble:
			b.WriteRune(c)
			if c == '"' {
				state = code
			}
		case inBlock:
			if c == '*' && next == '/' {
				state = code
				i++
				b.WriteRune(' ')
			}
		case inLine:
			if c == '\n' {
				state = code
				b.WriteRune(c)
			}
		}
	}
	return b.String()
}

// truncateAliases cuts explicit AS aliases to the legacy identifier
// limit and deduplicates collisions by numeric suffix.
func truncateAliases(sql string) string {
	seen := make(map[string]bool)
	return aliasRe.ReplaceAllStringFunc(sql, func(m string) string {
		parts := aliasRe.FindStringSubmatch(m)
		quote, name := parts[1], parts[2]
		if len(name) <= maxIdentifierLen {
			seen[strings.ToUpper(name)] = true
			return m
		}
		short := name[:maxIdentifierLen]
		for n := 2; seen[strings.ToUpper(short)]; n++ {
			suffix := "_" + strconv.Itoa(n)
			short = name[:maxIdentifierLen-len(suffix)] + suffix
		}
		seen[strings.ToUpper(short)] = true
		return "AS " + quote + short + quote
	})
}

// RewriteTopN converts a trailing FETCH FIRST N ROWS ONLY or LIMIT N
// clause into a ROWNUM wrapper, the only row-limiting idiom the pre-12c
// engine accepts. The wrap is applied after GROUP BY / HAVING / ORDER BY
// are already part of the base statement, so clause ordering survives.
func RewriteTopN(sql string) string {
	base, n, ok := trailingLimit(sql)
	if !ok {
		return sql
	}
	return fmt.Sprintf("SELECT * FROM (%s) WHERE ROWNUM <= %d", base, n)
}

// StripLimitClauses deletes a trailing row-limit clause entirely, for
// full-retrieval mode where the caller wants every row.
func StripLimitClauses(sql string) string {
	base, _, ok := trailingLimit(sql)
	if !ok {
		return sql
	}
	return base
}

func trailingLimit(sql string) (base string, n int, ok bool) {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	for _, re := range []*regexp.Regexp{fetchFirstRe, limitRe} {
		if m := re.FindStringSubmatch(s); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return "", 0, false
			}
			return strings.TrimSpace(s[:len(s)-len(m[0])]), n, true
		}
	}
	return "", 0, false
}

// SimpleTableSelect reports the table of a plain `SELECT * FROM
// [owner.]table` statement, or "" when the statement is anything else.
// Only such statements have a meaningful COUNT(*) completeness check.
func SimpleTableSelect(sql string) string {
	m := simpleSelectRe.FindStringSubmatch(sql)
	if m == nil {
		return ""
	}
	// normalize internal whitespace around the owner separator
	table := strings.ReplaceAll(m[1], " ", "")
	return table
}

// SplitStatements tokenizes a blob of one or more `;`-separated
// statements, respecting quote state and parenthesis depth so embedded
// semicolons never split. Fenced code blocks are extracted when present;
// otherwise the whole input is one block.
func SplitStatements(text string) []string {
	block := text
	if matches := fencedBlockRe.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		var parts []string
		for _, m := range matches {
			parts = append(parts, m[1])
		}
		block = strings.Join(parts, "\n")
	}

	var stmts []string
	var b strings.Builder
	inSingle, inDouble := false, false
	depth := 0
	runes := []rune(block)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inSingle:
			b.WriteRune(c)
			if c == '\'' {
				if i+1 < len(runes) && runes[i+1] == '\'' {
					b.WriteRune(runes[i+1])
					i++
				} else {
					inSingle = false
				}
			}
		case inDouble:
			b.WriteRune(c)
			if c == '"' {
				inDouble = false
			}
		case c == '\'':
			inSingle = true
			b.WriteRune(c)
		case c == '"':
			inDouble = true
			b.WriteRune(c)
		case c == '(':
			depth++
			b.WriteRune(c)
		case c == ')':
			if depth > 0 {
				depth--
			}
			b.WriteRune(c)
		case c == ';' && depth == 0:
			if s := strings.TrimSpace(b.String()); s != "" {
				stmts = append(stmts, s)
			}
			b.Reset()
		default:
			b.WriteRune(c)
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}

// Issue is a known-fatal dialect incompatibility found by Preflight.
type Issue struct {
	Check string `json:"check"`
	Hint  string `json:"hint"`
}

var (
	listaggDistinctRe = regexp.MustCompile(`(?is)\bLISTAGG\s*\(\s*DISTINCT\b`)
	caseRe            = regexp.MustCompile(`(?i)\bCASE\b`)
	endRe             = regexp.MustCompile(`(?i)\bEND\b`)
	selectRe          = regexp.MustCompile(`(?is)^\s*SELECT\b`)
	fromRe            = regexp.MustCompile(`(?i)\bFROM\b`)
	embeddedFetchRe   = regexp.MustCompile(`(?i)\bFETCH\s+FIRST\b`)
	embeddedLimitRe   = regexp.MustCompile(`(?i)\bLIMIT\s+\d+\b`)
)

// Preflight runs static pattern checks for constructs the legacy engine
// rejects outright. A non-empty result means execution must be refused.
func Preflight(sql string) []Issue {
	var issues []Issue

	if listaggDistinctRe.MatchString(sql) {
		issues = append(issues, Issue{
			Check: "listagg_distinct",
			Hint:  "LISTAGG does not support DISTINCT on this engine; deduplicate in a subquery first",
		})
	}
	if cases, ends := len(caseRe.FindAllString(sql, -1)), len(endRe.FindAllString(sql, -1)); cases > ends {
		issues = append(issues, Issue{
			Check: "unmatched_case",
			Hint:  fmt.Sprintf("%d CASE expression(s) without a matching END", cases-ends),
		})
	}
	if selectRe.MatchString(sql) && !fromRe.MatchString(sql) {
		issues = append(issues, Issue{
			Check: "select_without_from",
			Hint:  "every SELECT needs a FROM clause on this engine; use FROM DUAL for constant rows",
		})
	}
	if _, _, trailing := trailingLimit(sql); !trailing {
		if embeddedFetchRe.MatchString(sql) {
			issues = append(issues, Issue{
				Check: "embedded_fetch_first",
				Hint:  "FETCH FIRST is only rewritable in trailing position; use a ROWNUM subquery instead",
			})
		}
		if embeddedLimitRe.MatchString(sql) {
			issues = append(issues, Issue{
				Check: "embedded_limit",
				Hint:  "LIMIT is not supported by this engine; use a ROWNUM subquery instead",
			})
		}
	}
	return issues
}
