package mock

import (
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/evergreen-ci/quince/db"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// matches evaluates a query filter against a document. It understands
// equality, the comparison operators, $in, $nin, $exists and the
// logical combinators; anything else never matches.
func matches(doc bson.M, filter any) bool {
	if filter == nil {
		return true
	}
	f, err := db.Document(filter)
	if err != nil {
		return false
	}

	for key, cond := range f {
		switch key {
		case "$and":
			subs, _ := asArray(cond)
			for _, sub := range subs {
				if !matches(doc, sub) {
					return false
				}
			}
		case "$or":
			subs, _ := asArray(cond)
			found := false
			for _, sub := range subs {
				if matches(doc, sub) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "$nor":
			subs, _ := asArray(cond)
			for _, sub := range subs {
				if matches(doc, sub) {
					return false
				}
			}
		default:
			v, ok := lookup(doc, key)
			if !matchValue(v, ok, cond) {
				return false
			}
		}
	}
	return true
}

func matchValue(v any, exists bool, cond any) bool {
	ops, isOps := operators(cond)
	if !isOps {
		return equalOrContains(v, cond)
	}

	for op, arg := range ops {
		switch op {
		case "$eq":
			if !equalOrContains(v, arg) {
				return false
			}
		case "$ne":
			if equalOrContains(v, arg) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !exists {
				return false
			}
			cmp, ok := compareValues(v, arg)
			if !ok {
				return false
			}
			switch op {
			case "$gt":
				if cmp <= 0 {
					return false
				}
			case "$gte":
				if cmp < 0 {
					return false
				}
			case "$lt":
				if cmp >= 0 {
					return false
				}
			case "$lte":
				if cmp > 0 {
					return false
				}
			}
		case "$in":
			if !inList(v, arg) {
				return false
			}
		case "$nin":
			if inList(v, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if n, isNum := toFloat(arg); isNum {
				want = n != 0
			}
			if exists != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func inList(v, list any) bool {
	candidates, ok := asArray(list)
	if !ok {
		return false
	}
	for _, c := range candidates {
		if equalOrContains(v, c) {
			return true
		}
	}
	return false
}

// equalOrContains is equality the way the server applies it to array
// fields: an array matches a value it contains.
func equalOrContains(v, want any) bool {
	if equalValues(v, want) {
		return true
	}
	if arr, ok := asArray(v); ok {
		for _, elem := range arr {
			if equalValues(elem, want) {
				return true
			}
		}
	}
	return false
}

// operators returns cond as a document when every key in it is an
// operator.
func operators(cond any) (bson.M, bool) {
	switch cond.(type) {
	case bson.M, map[string]any, bson.D:
	default:
		return nil, false
	}
	doc, err := db.Document(cond)
	if err != nil || len(doc) == 0 {
		return nil, false
	}
	for k := range doc {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return doc, true
}

// lookup resolves a dotted path in doc.
func lookup(doc bson.M, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, err := asDoc(cur)
		if err != nil {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func asDoc(v any) (bson.M, error) {
	switch d := v.(type) {
	case bson.M:
		return d, nil
	case map[string]any:
		return d, nil
	case bson.D:
		return db.Document(d)
	default:
		return nil, errors.Errorf("%T is not a document", v)
	}
}

func asArray(v any) ([]any, bool) {
	switch a := v.(type) {
	case bson.A:
		return a, true
	case []any:
		return a, true
	case []string:
		out := make([]any, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	case []int:
		out := make([]any, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	case []primitive.ObjectID:
		out := make([]any, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	case []bson.M:
		out := make([]any, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	f, ok := toFloat(v)
	return int64(f), ok
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}

	if arrA, ok := asArray(a); ok {
		arrB, ok := asArray(b)
		if !ok || len(arrA) != len(arrB) {
			return false
		}
		for i := range arrA {
			if !equalValues(arrA[i], arrB[i]) {
				return false
			}
		}
		return true
	}

	switch a.(type) {
	case bson.M, map[string]any:
		docA, _ := asDoc(a)
		docB, err := asDoc(b)
		if err != nil || len(docA) != len(docB) {
			return false
		}
		for k, v := range docA {
			other, ok := docB[k]
			if !ok || !equalValues(v, other) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

// compareValues orders two values of the same kind. The second result
// is false when they cannot be compared.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	switch va := a.(type) {
	case string:
		vb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(va, vb), true
	case primitive.ObjectID:
		vb, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return strings.Compare(va.Hex(), vb.Hex()), true
	case time.Time:
		vb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return va.Compare(vb), true
	case primitive.DateTime:
		vb, ok := b.(primitive.DateTime)
		if !ok {
			return 0, false
		}
		return va.Time().Compare(vb.Time()), true
	default:
		return 0, false
	}
}

// sortDocs orders docs in place. Missing values sort first.
func sortDocs(docs []bson.M, spec any) {
	keys, err := db.Fields(spec, db.Descending)
	if err != nil || len(keys) == 0 {
		return
	}

	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			dir, _ := toInt64(key.Value)
			vi, iok := lookup(docs[i], key.Key)
			vj, jok := lookup(docs[j], key.Key)

			var cmp int
			switch {
			case !iok && !jok:
				continue
			case !iok:
				cmp = -1
			case !jok:
				cmp = 1
			default:
				cmp, _ = compareValues(vi, vj)
			}
			if cmp == 0 {
				continue
			}
			if dir < 0 {
				cmp = -cmp
			}
			return cmp < 0
		}
		return false
	})
}

// project applies an inclusion or exclusion projection to top-level
// fields.
func project(docs []bson.M, spec any) ([]bson.M, error) {
	fields, err := db.Fields(spec, db.Excluded)
	if err != nil {
		return nil, errors.Wrap(err, "parsing projection")
	}
	if len(fields) == 0 {
		return docs, nil
	}

	include := map[string]bool{}
	inclusive := false
	for _, f := range fields {
		on := true
		if n, ok := toFloat(f.Value); ok {
			on = n != 0
		} else if b, ok := f.Value.(bool); ok {
			on = b
		}
		include[f.Key] = on
		if on && f.Key != db.IDField {
			inclusive = true
		}
	}

	out := make([]bson.M, 0, len(docs))
	for _, doc := range docs {
		projected := bson.M{}
		for k, v := range doc {
			on, listed := include[k]
			switch {
			case k == db.IDField && !listed:
				projected[k] = v
			case inclusive && listed && on:
				projected[k] = v
			case !inclusive && !(listed && !on):
				projected[k] = v
			}
		}
		out = append(out, projected)
	}
	return out, nil
}

// applyUpdate runs $set, $unset, $inc and $push against doc.
func applyUpdate(doc bson.M, update any) error {
	u, err := db.Document(update)
	if err != nil {
		return errors.Wrap(err, "decoding update")
	}
	if !db.HasOperators(u) {
		return errors.New("update document requires atomic operators")
	}

	for op, arg := range u {
		fields, err := db.Document(arg)
		if err != nil {
			return errors.Wrapf(err, "decoding %s", op)
		}
		for path, v := range fields {
			if path == db.IDField && op != "$set" {
				return errors.Errorf("cannot apply %s to %s", op, db.IDField)
			}
			switch op {
			case "$set":
				if path == db.IDField && !equalValues(doc[db.IDField], v) {
					return errors.Errorf("cannot modify immutable field %s", db.IDField)
				}
				setPath(doc, path, v)
			case "$unset":
				unsetPath(doc, path)
			case "$inc":
				delta, ok := toFloat(v)
				if !ok {
					return errors.Errorf("cannot increment by %T", v)
				}
				cur, exists := lookup(doc, path)
				if !exists {
					setPath(doc, path, v)
					continue
				}
				base, ok := toFloat(cur)
				if !ok {
					return errors.Errorf("cannot increment %s of type %T", path, cur)
				}
				setPath(doc, path, addNumbers(cur, base+delta))
			case "$push":
				cur, exists := lookup(doc, path)
				if !exists {
					setPath(doc, path, bson.A{v})
					continue
				}
				arr, ok := asArray(cur)
				if !ok {
					return errors.Errorf("cannot push to %s of type %T", path, cur)
				}
				setPath(doc, path, append(append(bson.A{}, arr...), v))
			default:
				return errors.Errorf("unsupported update operator '%s'", op)
			}
		}
	}
	return nil
}

// addNumbers keeps the stored field's integer type when it can.
func addNumbers(like any, sum float64) any {
	switch like.(type) {
	case int:
		return int(sum)
	case int32:
		return int32(sum)
	case int64:
		return int64(sum)
	default:
		return sum
	}
}

func setPath(doc bson.M, path string, v any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, err := asDoc(cur[part])
		if err != nil {
			next = bson.M{}
		}
		cur[part] = next
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func unsetPath(doc bson.M, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, err := asDoc(cur[part])
		if err != nil {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func stageList(pipeline any) ([]bson.M, error) {
	var raw []any
	switch p := pipeline.(type) {
	case nil:
		return nil, nil
	case []bson.M:
		return p, nil
	case []bson.D:
		out := make([]bson.M, 0, len(p))
		for _, s := range p {
			doc, err := db.Document(s)
			if err != nil {
				return nil, err
			}
			out = append(out, doc)
		}
		return out, nil
	default:
		var ok bool
		if raw, ok = asArray(pipeline); !ok {
			return nil, errors.Errorf("aggregation pipeline has type %T", pipeline)
		}
	}

	out := make([]bson.M, 0, len(raw))
	for i, s := range raw {
		doc, err := db.Document(s)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding stage %d", i)
		}
		if len(doc) != 1 {
			return nil, errors.Errorf("stage %d must have exactly one operator", i)
		}
		out = append(out, doc)
	}
	return out, nil
}
