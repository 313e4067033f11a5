package db

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IDField is the name of the primary key of every document.
const IDField = "_id"

// ID casts a value to an ObjectID. A nil value produces a new
// ObjectID and a hex string is parsed; ObjectIDs are returned as is.
func ID(v any) (primitive.ObjectID, error) {
	switch id := v.(type) {
	case nil:
		return primitive.NewObjectID(), nil
	case primitive.ObjectID:
		return id, nil
	case *primitive.ObjectID:
		if id == nil {
			return primitive.NewObjectID(), nil
		}
		return *id, nil
	case string:
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return primitive.NilObjectID, errors.Wrapf(err, "parsing id '%s'", id)
		}
		return oid, nil
	default:
		return primitive.NilObjectID, errors.Errorf("cannot cast value of type %T to an id", v)
	}
}

// Caster rewrites identifier values found anywhere in a query, update
// or document into ObjectIDs. Values under the id field are cast
// directly, including the operands of $in, $nin, $all, $eq and $ne,
// and of those operators nested in $not. Every other key and array
// element is walked recursively, which covers $and, $or, $nor and $set
// fragments at any depth.
//
// Containers are copied rather than modified, so the caller's values
// are never mutated.
type Caster struct {
	Field string
}

// NewCaster returns a Caster for the given id field, defaulting to
// "_id".
func NewCaster(field string) *Caster {
	if field == "" {
		field = IDField
	}
	return &Caster{Field: field}
}

// Cast returns a copy of v with every identifier cast. Scalars,
// including 0 and nil, are returned unchanged.
func (c *Caster) Cast(v any) (any, error) {
	switch t := v.(type) {
	case bson.M:
		out, err := c.castMap(t)
		return bson.M(out), err
	case map[string]any:
		return c.castMap(t)
	case bson.D:
		return c.castDoc(t)
	case bson.A:
		out, err := c.castSlice(t)
		return bson.A(out), err
	case []any:
		return c.castSlice(t)
	case []bson.M:
		out := make([]bson.M, len(t))
		for i := range t {
			doc, err := c.castMap(t[i])
			if err != nil {
				return nil, err
			}
			out[i] = doc
		}
		return out, nil
	case []bson.D:
		out := make([]bson.D, len(t))
		for i := range t {
			doc, err := c.castDoc(t[i])
			if err != nil {
				return nil, err
			}
			out[i] = doc
		}
		return out, nil
	default:
		return v, nil
	}
}

func (c *Caster) castMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		var err error
		if k == c.Field {
			out[k], err = c.castIDValue(v)
		} else {
			out[k], err = c.Cast(v)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "casting key '%s'", k)
		}
	}
	return out, nil
}

func (c *Caster) castDoc(d bson.D) (bson.D, error) {
	if d == nil {
		return nil, nil
	}
	out := make(bson.D, len(d))
	for i, e := range d {
		var (
			v   any
			err error
		)
		if e.Key == c.Field {
			v, err = c.castIDValue(e.Value)
		} else {
			v, err = c.Cast(e.Value)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "casting key '%s'", e.Key)
		}
		out[i] = bson.E{Key: e.Key, Value: v}
	}
	return out, nil
}

func (c *Caster) castSlice(s []any) ([]any, error) {
	if s == nil {
		return nil, nil
	}
	out := make([]any, len(s))
	for i := range s {
		v, err := c.Cast(s[i])
		if err != nil {
			return nil, errors.Wrapf(err, "casting element %d", i)
		}
		out[i] = v
	}
	return out, nil
}

// castIDValue handles the value stored directly under the id field.
// A nil id is left alone: in a query it matches documents without an
// id, and inserts assign their own.
func (c *Caster) castIDValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bson.M:
		out, err := c.castOperators(t)
		return bson.M(out), err
	case map[string]any:
		return c.castOperators(t)
	case bson.D:
		out := make(bson.D, len(t))
		for i, e := range t {
			val, err := c.castOperand(e.Key, e.Value)
			if err != nil {
				return nil, err
			}
			out[i] = bson.E{Key: e.Key, Value: val}
		}
		return out, nil
	default:
		return castScalarID(v)
	}
}

func (c *Caster) castOperators(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		val, err := c.castOperand(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}

func (c *Caster) castOperand(op string, v any) (any, error) {
	switch op {
	case "$in", "$nin", "$all":
		ids, err := castIDList(v)
		return ids, errors.Wrapf(err, "casting '%s' operand", op)
	case "$ne", "$eq":
		id, err := castScalarID(v)
		return id, errors.Wrapf(err, "casting '%s' operand", op)
	case "$not":
		id, err := c.castIDValue(v)
		return id, errors.Wrap(err, "casting '$not' operand")
	default:
		return c.Cast(v)
	}
}

func castIDList(v any) (any, error) {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i := range t {
			id, err := castScalarID(t[i])
			if err != nil {
				return nil, err
			}
			out[i] = id
		}
		return out, nil
	case bson.A:
		out, err := castIDSlice(t)
		return bson.A(out), err
	case []any:
		return castIDSlice(t)
	default:
		return v, nil
	}
}

func castIDSlice(s []any) ([]any, error) {
	out := make([]any, len(s))
	for i := range s {
		id, err := castScalarID(s[i])
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

// castScalarID parses hex strings and leaves every other value, such
// as numeric ids or existing ObjectIDs, untouched.
func castScalarID(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	return ID(s)
}
