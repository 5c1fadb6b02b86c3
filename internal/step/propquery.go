package step

import (
	"strings"

	"tileflow/pkg/errs"
)

// propertyFilterOps in match order; two-char operators first.
var propertyFilterOps = []string{"!=", ">=", "<=", "=", ">", "<"}

// translatePropertyFilter turns a property-query expression into a SQL
// condition over the feature's jsondata column. The supported grammar is a
// conjunction of comparisons joined by "&", each of the form
// "properties.<path><op><value>" (the "p." prefix is accepted as shorthand).
// Values are bound as parameters, never inlined.
func translatePropertyFilter(expr, alias string) (string, []interface{}, error) {
	var conds []string
	var args []interface{}

	for _, term := range strings.Split(expr, "&") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		cond, arg, err := translateComparison(term, alias)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if len(conds) == 0 {
		return "", nil, errs.Validation("empty property filter")
	}
	return "(" + strings.Join(conds, " AND ") + ")", args, nil
}

func translateComparison(term, alias string) (string, interface{}, error) {
	for _, op := range propertyFilterOps {
		idx := strings.Index(term, op)
		if idx <= 0 {
			continue
		}

		key := strings.TrimSpace(term[:idx])
		value := strings.TrimSpace(term[idx+len(op):])
		if value == "" {
			return "", nil, errs.Validation("property filter term %q has no value", term)
		}

		path, err := propertyPath(key)
		if err != nil {
			return "", nil, err
		}

		return alias + ".jsondata #>> '{" + path + "}' " + op + " ?", value, nil
	}
	return "", nil, errs.Validation("property filter term %q has no comparison operator", term)
}

// propertyPath maps a filter key to a jsonb path. "p." and "properties." both
// address the feature's properties object; anything else addresses the root.
func propertyPath(key string) (string, error) {
	if strings.ContainsAny(key, "{}'\"") {
		return "", errs.Validation("invalid property filter key %q", key)
	}

	switch {
	case strings.HasPrefix(key, "p."):
		key = "properties." + key[len("p."):]
	case strings.HasPrefix(key, "properties."):
	default:
		// root-level attribute, e.g. "id"
	}
	return strings.ReplaceAll(key, ".", ","), nil
}
