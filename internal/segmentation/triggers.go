package segmentation

import (
	"sort"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// ExtractEventTriggers derives the event names that should re-evaluate a
// segment: the string literals V in comparisons events.name = V,
// V = events.name, and events.name IN (..., V, ...) anywhere in the
// evaluator's AST. Backticks are stripped before parsing. A query the parser
// cannot handle yields no triggers; the segment still evaluates on every
// other path.
func ExtractEventTriggers(query string) []string {
	cleaned := strings.ReplaceAll(query, "`", "")
	stmt, err := sqlparser.Parse(cleaned)
	if err != nil {
		return nil
	}

	set := map[string]struct{}{}
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		cmp, ok := node.(*sqlparser.ComparisonExpr)
		if !ok {
			return true, nil
		}
		switch cmp.Operator {
		case sqlparser.EqualStr:
			if isEventsName(cmp.Left) {
				collectLiteral(set, cmp.Right)
			} else if isEventsName(cmp.Right) {
				collectLiteral(set, cmp.Left)
			}
		case sqlparser.InStr:
			if !isEventsName(cmp.Left) {
				return true, nil
			}
			if tuple, ok := cmp.Right.(sqlparser.ValTuple); ok {
				for _, expr := range tuple {
					collectLiteral(set, expr)
				}
			}
		}
		return true, nil
	}, stmt)

	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// isEventsName reports whether expr is the column reference events.name.
func isEventsName(expr sqlparser.Expr) bool {
	col, ok := expr.(*sqlparser.ColName)
	if !ok {
		return false
	}
	return col.Name.EqualString("name") &&
		strings.EqualFold(col.Qualifier.Name.String(), "events")
}

func collectLiteral(set map[string]struct{}, expr sqlparser.Expr) {
	val, ok := expr.(*sqlparser.SQLVal)
	if !ok || val.Type != sqlparser.StrVal {
		return
	}
	set[string(val.Val)] = struct{}{}
}
