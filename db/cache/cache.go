package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/evergreen-ci/utility/ttlcache"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// Using a custom type to avoid collisions with other context keys.
	cacheContextKey string
)

const lifetime = time.Second

type documentCache = ttlcache.Cache[bson.M]

// Embed attaches a short-lived document cache for each of the named
// collections to the context. Lookups by id made with the returned
// context are deduplicated for the lifetime of the cache entry.
func Embed(ctx context.Context, namePrefix string, collections ...string) context.Context {
	for _, collection := range collections {
		if ctx.Value(cacheContextKey(collection)) != nil {
			continue
		}
		cacheName := fmt.Sprintf("%s-db-cache-%s", namePrefix, collection)
		cache := ttlcache.WithOtel(ttlcache.NewInMemory[bson.M](), cacheName)
		ctx = context.WithValue(ctx, cacheContextKey(collection), cache)
	}

	return ctx
}

// Enabled reports whether a cache for the collection is attached to
// the context.
func Enabled(ctx context.Context, collection string) bool {
	_, ok := getCache(ctx, collection)
	return ok
}

func GetFromCache(ctx context.Context, collection, id string) (bson.M, bool) {
	cache, ok := getCache(ctx, collection)
	if !ok {
		return nil, false
	}

	return cache.Get(ctx, id, 0)
}

func SetInCache(ctx context.Context, collection, id string, value bson.M) {
	cache, ok := getCache(ctx, collection)
	if !ok {
		return
	}

	cache.Put(ctx, id, value, time.Now().Add(lifetime))
}

func getCache(ctx context.Context, collection string) (documentCache, bool) {
	cache, ok := ctx.Value(cacheContextKey(collection)).(documentCache)
	return cache, ok
}

// IDKey returns the cache key for a filter that selects a single
// document by id and nothing else.
func IDKey(idField string, query any) (string, bool) {
	var id any
	switch q := query.(type) {
	case bson.M:
		if len(q) != 1 {
			return "", false
		}
		id = q[idField]
	case map[string]any:
		if len(q) != 1 {
			return "", false
		}
		id = q[idField]
	case bson.D:
		if len(q) != 1 || q[0].Key != idField {
			return "", false
		}
		id = q[0].Value
	default:
		return "", false
	}

	switch v := id.(type) {
	case string:
		return v, true
	case primitive.ObjectID:
		return v.Hex(), true
	default:
		return "", false
	}
}
