package db

import (
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	namespaceNotFoundCode = 26
	// NamespaceNotFound is the server's message when a command
	// targets a collection that does not exist.
	NamespaceNotFound = "ns not found"
)

// IsNamespaceNotFound reports whether err is the server telling us a
// collection does not exist.
func IsNamespaceNotFound(err error) bool {
	if err == nil {
		return false
	}

	cause := errors.Cause(err)
	var cmdErr mongo.CommandError
	if errors.As(cause, &cmdErr) && cmdErr.Code == namespaceNotFoundCode {
		return true
	}
	if srvErr, ok := cause.(mongo.ServerError); ok && srvErr.HasErrorCode(namespaceNotFoundCode) {
		return true
	}

	return strings.Contains(cause.Error(), NamespaceNotFound)
}

// IsDuplicateKey reports whether err is a unique index violation.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}

	if mongo.IsDuplicateKeyError(errors.Cause(err)) {
		return true
	}

	return strings.Contains(errors.Cause(err).Error(), "duplicate key")
}

// IsDocumentLimit reports whether err means a document exceeded the
// server's size limit.
func IsDocumentLimit(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(errors.Cause(err).Error(), "an inserted document is too large")
}

// ResultsNotFound reports whether err means a query matched nothing.
func ResultsNotFound(err error) bool {
	return errors.Is(errors.Cause(err), mongo.ErrNoDocuments)
}
