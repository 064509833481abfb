package replication

import (
	"regexp"
	"strings"

	"github.com/snapflowio/binlogcdc/message"
)

const identPattern = "(?:`(?:[^`]|``)+`|[\\w$]+)(?:\\s*\\.\\s*(?:`(?:[^`]|``)+`|[\\w$]+))?"

var (
	leadingComments = regexp.MustCompile(`^(?s)(?:\s*/\*.*?\*/)*\s*`)

	alterTable    = regexp.MustCompile(`(?is)^ALTER\s+(?:ONLINE\s+|OFFLINE\s+|IGNORE\s+)*TABLE\s+(` + identPattern + `)`)
	createTable   = regexp.MustCompile(`(?is)^CREATE\s+(?:OR\s+REPLACE\s+)?(?:TEMPORARY\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(` + identPattern + `)`)
	truncateTable = regexp.MustCompile(`(?is)^TRUNCATE\s+(?:TABLE\s+)?(` + identPattern + `)`)
	dropTable     = regexp.MustCompile(`(?is)^DROP\s+(?:TEMPORARY\s+)?TABLE\s+(?:IF\s+EXISTS\s+)?(.+)$`)
	renameTable   = regexp.MustCompile(`(?is)^RENAME\s+TABLES?\s+(.+)$`)
	indexOnTable  = regexp.MustCompile(`(?is)^(?:CREATE|DROP)\s+(?:ONLINE\s+|OFFLINE\s+)?(?:UNIQUE\s+|FULLTEXT\s+|SPATIAL\s+)?INDEX\s+\S+\s+ON\s+(` + identPattern + `)`)
	identList     = regexp.MustCompile(identPattern)
	renameKeyword = regexp.MustCompile(`(?i)\s+TO\s+`)
	dropTrailer   = regexp.MustCompile(`(?i)\s+(?:RESTRICT|CASCADE)\s*$`)
)

// IsDDL reports whether a query event statement is a data definition statement.
func IsDDL(query string) bool {
	q := strings.ToUpper(stripComments(query))
	for _, kw := range []string{"ALTER ", "CREATE ", "DROP ", "RENAME ", "TRUNCATE "} {
		if strings.HasPrefix(q, kw) {
			return true
		}
	}
	return false
}

// DDLTables returns the tables a DDL statement touches. Unqualified names belong to
// defaultSchema, the schema the statement was executed in.
func DDLTables(defaultSchema, query string) []message.TableID {
	q := stripComments(query)

	for _, re := range []*regexp.Regexp{alterTable, createTable, truncateTable, indexOnTable} {
		if m := re.FindStringSubmatch(q); m != nil {
			return []message.TableID{parseIdent(defaultSchema, m[1])}
		}
	}

	if m := dropTable.FindStringSubmatch(q); m != nil {
		list := dropTrailer.ReplaceAllString(m[1], "")
		var res []message.TableID
		for _, part := range splitTopLevel(list) {
			if ident := identList.FindString(part); ident != "" {
				res = append(res, parseIdent(defaultSchema, ident))
			}
		}
		return res
	}

	if m := renameTable.FindStringSubmatch(q); m != nil {
		var res []message.TableID
		for _, pair := range splitTopLevel(m[1]) {
			for _, side := range renameKeyword.Split(pair, 2) {
				if ident := identList.FindString(side); ident != "" {
					res = append(res, parseIdent(defaultSchema, ident))
				}
			}
		}
		return res
	}

	return nil
}

func stripComments(query string) string {
	return strings.TrimSpace(leadingComments.ReplaceAllString(query, ""))
}

func splitTopLevel(s string) []string {
	var parts []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '`':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

func parseIdent(defaultSchema, ident string) message.TableID {
	parts := splitIdent(ident)
	if len(parts) == 2 {
		return message.NewTableID(parts[0], parts[1])
	}
	return message.NewTableID(defaultSchema, parts[0])
}

func splitIdent(ident string) []string {
	var parts []string
	var cur strings.Builder
	quoted := false
	runes := []rune(strings.TrimSpace(ident))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '`' && quoted && i+1 < len(runes) && runes[i+1] == '`':
			cur.WriteRune('`')
			i++
		case r == '`':
			quoted = !quoted
		case r == '.' && !quoted:
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		case (r == ' ' || r == '\t' || r == '\n') && !quoted:
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return parts
}
