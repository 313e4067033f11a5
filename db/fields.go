package db

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	// Excluded is the value used for a "-field" entry in a projection.
	Excluded = 0
	// Descending is the value used for a "-field" entry in a sort or
	// index specification.
	Descending = -1
)

// Fields parses all the shorthand ways of expressing a set of fields
// into document form. The spec may be a space-delimited string
// ("a -b"), a slice of field names, or an already structured
// document. Names prefixed with "-" map to whenMinus, all others map
// to 1, so the same routine serves projections (whenMinus=Excluded)
// and sort/index specifications (whenMinus=Descending).
//
// A bson.D is returned unchanged; maps are converted to a bson.D with
// their keys in lexical order.
func Fields(spec any, whenMinus int) (bson.D, error) {
	switch s := spec.(type) {
	case nil:
		return nil, nil
	case bson.D:
		return s, nil
	case string:
		return parseFieldNames(strings.Fields(s), whenMinus), nil
	case []string:
		return parseFieldNames(s, whenMinus), nil
	case []any:
		names := make([]string, 0, len(s))
		for _, n := range s {
			name, ok := n.(string)
			if !ok {
				return nil, errors.Errorf("field name has type %T, expected string", n)
			}
			names = append(names, name)
		}
		return parseFieldNames(names, whenMinus), nil
	case bson.M:
		return sortedDoc(s), nil
	case map[string]any:
		return sortedDoc(s), nil
	case map[string]int:
		out := make(map[string]any, len(s))
		for k, v := range s {
			out[k] = v
		}
		return sortedDoc(out), nil
	case map[any]any:
		// yaml.v2 decodes mappings this way
		out := make(map[string]any, len(s))
		for k, v := range s {
			out[fmt.Sprint(k)] = v
		}
		return sortedDoc(out), nil
	default:
		return nil, errors.Errorf("cannot parse fields from type %T", spec)
	}
}

func parseFieldNames(names []string, whenMinus int) bson.D {
	fields := make(bson.D, 0, len(names))
	for _, name := range names {
		if name == "" || name == "-" {
			continue
		}
		if strings.HasPrefix(name, "-") {
			fields = append(fields, bson.E{Key: name[1:], Value: whenMinus})
			continue
		}
		fields = append(fields, bson.E{Key: name, Value: 1})
	}
	return fields
}

func sortedDoc(m map[string]any) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: m[k]})
	}
	return out
}

// IndexName generates the name the server assigns to an index with
// the given keys, e.g. {a: 1, b: -1} becomes "a_1_b_-1".
func IndexName(keys bson.D) string {
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, k.Key, fmt.Sprint(k.Value))
	}
	return strings.Join(parts, "_")
}
