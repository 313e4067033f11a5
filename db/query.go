package db

import (
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Query promotes a bare identifier (a string or an ObjectID) into an
// {_id: value} filter. A nil query becomes the empty filter and every
// other value is returned unchanged.
func Query(q any, idField string) any {
	if idField == "" {
		idField = IDField
	}
	switch q.(type) {
	case nil:
		return bson.M{}
	case string, primitive.ObjectID, *primitive.ObjectID:
		return bson.M{idField: q}
	default:
		return q
	}
}

// IsBareID reports whether q is an identifier rather than a filter
// document.
func IsBareID(q any) bool {
	switch q.(type) {
	case string, primitive.ObjectID, *primitive.ObjectID:
		return true
	default:
		return false
	}
}

// HasOperators reports whether every top-level key of the update
// starts with '$'. Values that cannot be marshalled as a document,
// such as aggregation pipelines, are treated as operator updates.
func HasOperators(update any) bool {
	doc, err := transformDocument(update)
	if err != nil {
		return true
	}
	elems, err := doc.Elements()
	if err != nil || len(elems) == 0 {
		return true
	}
	for _, elem := range elems {
		if !strings.HasPrefix(elem.Key(), "$") {
			return false
		}
	}
	return true
}

// WrapSet wraps an update that has fields without an operator in a
// $set. Operator updates are returned as is.
func WrapSet(update any) any {
	if update == nil || HasOperators(update) {
		return update
	}
	return bson.M{"$set": update}
}

func transformDocument(val any) (bson.Raw, error) {
	if val == nil {
		return nil, errors.WithStack(mongo.ErrNilDocument)
	}

	b, err := bson.Marshal(val)
	if err != nil {
		return nil, mongo.MarshalError{Value: val, Err: err}
	}

	return bson.Raw(b), nil
}

// Document converts a map, bson.D or struct into a bson.M. Maps are
// copied, so the caller's value is not modified when fields are added
// to the result.
func Document(v any) (bson.M, error) {
	switch d := v.(type) {
	case nil:
		return nil, errors.WithStack(mongo.ErrNilDocument)
	case bson.M:
		return copyMap(d), nil
	case map[string]any:
		return copyMap(d), nil
	case bson.D:
		out := make(bson.M, len(d))
		for _, e := range d {
			out[e.Key] = e.Value
		}
		return out, nil
	default:
		out := bson.M{}
		if err := SetObject(v, &out); err != nil {
			return nil, errors.Wrapf(err, "converting %T to a document", v)
		}
		return out, nil
	}
}

func copyMap(m map[string]any) bson.M {
	out := make(bson.M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SetObject copies src into dst by round-tripping through BSON.
func SetObject(src, dst any) error {
	bytes, err := bson.Marshal(src)
	if err != nil {
		return errors.Wrap(err, "marshalling src")
	}

	return errors.Wrap(bson.Unmarshal(bytes, dst), "unmarshalling dst")
}
