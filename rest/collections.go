package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/evergreen-ci/gimlet"
	"github.com/evergreen-ci/quince"
	"github.com/evergreen-ci/quince/db"
	"github.com/evergreen-ci/utility"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

////////////////////////////////////////////////////////////////////////
//
// GET /rest/v1/status

type statusHandler struct {
	manager *quince.Manager
}

func makeStatusHandler(m *quince.Manager) gimlet.RouteHandler {
	return &statusHandler{manager: m}
}

func (h *statusHandler) Factory() gimlet.RouteHandler {
	return &statusHandler{manager: h.manager}
}

func (h *statusHandler) Parse(ctx context.Context, r *http.Request) error { return nil }

func (h *statusHandler) Run(ctx context.Context) gimlet.Responder {
	return gimlet.NewJSONResponse(struct {
		Database string `json:"database"`
		State    string `json:"state"`
	}{
		Database: h.manager.Database(),
		State:    h.manager.State(),
	})
}

////////////////////////////////////////////////////////////////////////
//
// GET /rest/v1/collections

type listCollectionsHandler struct {
	manager *quince.Manager
	filter  bson.M
}

func makeListCollections(m *quince.Manager) gimlet.RouteHandler {
	return &listCollectionsHandler{manager: m}
}

func (h *listCollectionsHandler) Factory() gimlet.RouteHandler {
	return &listCollectionsHandler{manager: h.manager}
}

func (h *listCollectionsHandler) Parse(ctx context.Context, r *http.Request) error {
	var err error
	h.filter, err = parseDocument(r.URL.Query().Get("filter"))
	return errors.Wrap(err, "parsing filter")
}

func (h *listCollectionsHandler) Run(ctx context.Context) gimlet.Responder {
	colls, err := h.manager.ListCollections(ctx, h.filter).Wait(ctx)
	if err != nil {
		return errorResponder(err, "listing collections")
	}

	names := make([]string, 0, len(colls))
	for _, coll := range colls {
		names = append(names, coll.Name())
	}
	return gimlet.NewJSONResponse(names)
}

////////////////////////////////////////////////////////////////////////
//
// GET /rest/v1/collections/{collection}/stats

type collectionStatsHandler struct {
	manager    *quince.Manager
	collection string
	opts       *quince.Options
}

func makeCollectionStats(m *quince.Manager) gimlet.RouteHandler {
	return &collectionStatsHandler{manager: m}
}

func (h *collectionStatsHandler) Factory() gimlet.RouteHandler {
	return &collectionStatsHandler{manager: h.manager}
}

func (h *collectionStatsHandler) Parse(ctx context.Context, r *http.Request) error {
	h.collection = gimlet.GetVars(r)[collectionVar]

	var err error
	h.opts, err = parseOptions(r.URL.Query().Get("options"))
	return err
}

func (h *collectionStatsHandler) Run(ctx context.Context) gimlet.Responder {
	stats, err := h.manager.Collection(h.collection).Stats(ctx, h.opts).Wait(ctx)
	if err != nil {
		return errorResponder(err, fmt.Sprintf("getting stats for collection '%s'", h.collection))
	}
	return renderDocument(stats)
}

////////////////////////////////////////////////////////////////////////
//
// GET /rest/v1/collections/{collection}/documents

type findDocumentsHandler struct {
	manager    *quince.Manager
	collection string
	query      bson.M
	opts       *quince.Options
}

func makeFindDocuments(m *quince.Manager) gimlet.RouteHandler {
	return &findDocumentsHandler{manager: m}
}

func (h *findDocumentsHandler) Factory() gimlet.RouteHandler {
	return &findDocumentsHandler{manager: h.manager}
}

func (h *findDocumentsHandler) Parse(ctx context.Context, r *http.Request) error {
	h.collection = gimlet.GetVars(r)[collectionVar]
	vals := r.URL.Query()

	var err error
	if h.query, err = parseDocument(vals.Get("query")); err != nil {
		return errors.Wrap(err, "parsing query")
	}
	h.opts, err = parseOptions(vals.Get("options"))
	return err
}

func (h *findDocumentsHandler) Run(ctx context.Context) gimlet.Responder {
	docs, err := h.manager.Collection(h.collection).Find(ctx, h.query, h.opts).Wait(ctx)
	if err != nil {
		return errorResponder(err, fmt.Sprintf("finding documents in collection '%s'", h.collection))
	}
	return renderDocuments(docs)
}

////////////////////////////////////////////////////////////////////////
//
// POST /rest/v1/collections/{collection}/documents

type insertDocumentsHandler struct {
	manager    *quince.Manager
	collection string
	docs       []any
}

func makeInsertDocuments(m *quince.Manager) gimlet.RouteHandler {
	return &insertDocumentsHandler{manager: m}
}

func (h *insertDocumentsHandler) Factory() gimlet.RouteHandler {
	return &insertDocumentsHandler{manager: h.manager}
}

func (h *insertDocumentsHandler) Parse(ctx context.Context, r *http.Request) error {
	h.collection = gimlet.GetVars(r)[collectionVar]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errors.Wrap(err, "reading body")
	}
	if h.docs, err = parseDocuments(body); err != nil {
		return errors.Wrap(err, "parsing body as extended JSON")
	}
	if len(h.docs) == 0 {
		return gimlet.ErrorResponse{
			StatusCode: http.StatusBadRequest,
			Message:    "no documents to insert",
		}
	}
	return nil
}

func (h *insertDocumentsHandler) Run(ctx context.Context) gimlet.Responder {
	inserted, err := h.manager.Collection(h.collection).InsertMany(ctx, h.docs).Wait(ctx)
	if err != nil {
		return errorResponder(err, fmt.Sprintf("inserting into collection '%s'", h.collection))
	}
	return renderDocuments(inserted)
}

////////////////////////////////////////////////////////////////////////
//
// GET /rest/v1/collections/{collection}/documents/{id}

type fetchDocumentHandler struct {
	manager    *quince.Manager
	collection string
	id         primitive.ObjectID
}

func makeFetchDocument(m *quince.Manager) gimlet.RouteHandler {
	return &fetchDocumentHandler{manager: m}
}

func (h *fetchDocumentHandler) Factory() gimlet.RouteHandler {
	return &fetchDocumentHandler{manager: h.manager}
}

func (h *fetchDocumentHandler) Parse(ctx context.Context, r *http.Request) error {
	var err error
	h.collection, h.id, err = parseDocumentRoute(r)
	return err
}

func (h *fetchDocumentHandler) Run(ctx context.Context) gimlet.Responder {
	doc, err := h.manager.Collection(h.collection).FindOne(ctx, h.id).Wait(ctx)
	if err != nil {
		return errorResponder(err, fmt.Sprintf("finding document '%s'", h.id.Hex()))
	}
	if doc == nil {
		return gimlet.MakeJSONErrorResponder(gimlet.ErrorResponse{
			StatusCode: http.StatusNotFound,
			Message:    fmt.Sprintf("document '%s' not found in collection '%s'", h.id.Hex(), h.collection),
		})
	}
	return renderDocument(doc)
}

////////////////////////////////////////////////////////////////////////
//
// DELETE /rest/v1/collections/{collection}/documents/{id}

type removeDocumentHandler struct {
	manager    *quince.Manager
	collection string
	id         primitive.ObjectID
}

func makeRemoveDocument(m *quince.Manager) gimlet.RouteHandler {
	return &removeDocumentHandler{manager: m}
}

func (h *removeDocumentHandler) Factory() gimlet.RouteHandler {
	return &removeDocumentHandler{manager: h.manager}
}

func (h *removeDocumentHandler) Parse(ctx context.Context, r *http.Request) error {
	var err error
	h.collection, h.id, err = parseDocumentRoute(r)
	return err
}

func (h *removeDocumentHandler) Run(ctx context.Context) gimlet.Responder {
	res, err := h.manager.Collection(h.collection).Remove(ctx, h.id, &quince.Options{Single: utility.TruePtr()}).Wait(ctx)
	if err != nil {
		return errorResponder(err, fmt.Sprintf("removing document '%s'", h.id.Hex()))
	}
	if res.DeletedCount == 0 {
		return gimlet.MakeJSONErrorResponder(gimlet.ErrorResponse{
			StatusCode: http.StatusNotFound,
			Message:    fmt.Sprintf("document '%s' not found in collection '%s'", h.id.Hex(), h.collection),
		})
	}
	return gimlet.NewJSONResponse(struct {
		Deleted int64 `json:"deleted"`
	}{Deleted: res.DeletedCount})
}

////////////////////////////////////////////////////////////////////////
//
// helpers

func parseDocumentRoute(r *http.Request) (string, primitive.ObjectID, error) {
	vars := gimlet.GetVars(r)
	id, err := db.ID(vars[idVar])
	if err != nil {
		return "", primitive.NilObjectID, gimlet.ErrorResponse{
			StatusCode: http.StatusBadRequest,
			Message:    fmt.Sprintf("invalid document id '%s'", vars[idVar]),
		}
	}
	return vars[collectionVar], id, nil
}

func parseDocument(in string) (bson.M, error) {
	doc := bson.M{}
	if in == "" {
		return doc, nil
	}
	if err := bson.UnmarshalExtJSON([]byte(in), false, &doc); err != nil {
		return nil, gimlet.ErrorResponse{
			StatusCode: http.StatusBadRequest,
			Message:    fmt.Sprintf("invalid extended JSON '%s': %s", in, err.Error()),
		}
	}
	return doc, nil
}

// parseDocuments accepts a single document or an array of them.
func parseDocuments(body []byte) ([]any, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] != '[' {
		doc, err := parseDocument(string(body))
		if err != nil {
			return nil, err
		}
		return []any{doc}, nil
	}

	var wrapper struct {
		Docs []bson.M `bson:"docs"`
	}
	wrapped := append(append([]byte(`{"docs": `), body...), '}')
	if err := bson.UnmarshalExtJSON(wrapped, false, &wrapper); err != nil {
		return nil, gimlet.ErrorResponse{
			StatusCode: http.StatusBadRequest,
			Message:    fmt.Sprintf("invalid extended JSON array: %s", err.Error()),
		}
	}

	out := make([]any, len(wrapper.Docs))
	for i := range wrapper.Docs {
		out[i] = wrapper.Docs[i]
	}
	return out, nil
}

func parseOptions(in string) (*quince.Options, error) {
	raw, err := parseDocument(in)
	if err != nil {
		return nil, errors.Wrap(err, "parsing options")
	}
	opts, err := quince.OptionsFromMap(raw)
	if err != nil {
		return nil, gimlet.ErrorResponse{
			StatusCode: http.StatusBadRequest,
			Message:    err.Error(),
		}
	}
	return opts, nil
}

func renderDocument(doc bson.M) gimlet.Responder {
	out, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return gimlet.MakeJSONInternalErrorResponder(errors.Wrap(err, "rendering document"))
	}
	return gimlet.NewJSONResponse(json.RawMessage(out))
}

func renderDocuments(docs []bson.M) gimlet.Responder {
	out := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		raw, err := bson.MarshalExtJSON(doc, false, false)
		if err != nil {
			return gimlet.MakeJSONInternalErrorResponder(errors.Wrap(err, "rendering document"))
		}
		out = append(out, raw)
	}
	return gimlet.NewJSONResponse(out)
}

func errorResponder(err error, action string) gimlet.Responder {
	switch {
	case db.IsDuplicateKey(err):
		return gimlet.MakeJSONErrorResponder(gimlet.ErrorResponse{
			StatusCode: http.StatusConflict,
			Message:    errors.Wrap(err, action).Error(),
		})
	case db.IsNamespaceNotFound(err):
		return gimlet.MakeJSONErrorResponder(gimlet.ErrorResponse{
			StatusCode: http.StatusNotFound,
			Message:    errors.Wrap(err, action).Error(),
		})
	default:
		return gimlet.MakeJSONInternalErrorResponder(errors.Wrap(err, action))
	}
}
