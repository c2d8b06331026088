// Package upsert is the single write path to the document store: partial
// merge writes that preserve unnamed fields, and append-only adds for the
// timeline collections.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medipass/sync-api/internal/model"
	"github.com/medipass/sync-api/pkg/apperror"
	"github.com/medipass/sync-api/pkg/docstore"
	"github.com/medipass/sync-api/pkg/metrics"
)

// maxFieldDepth bounds nested field maps. Anything deeper is either a
// cycle or not a plain document and is rejected before the write.
const maxFieldDepth = 16

// Gateway performs all writes. A nil store means degraded mode: writes
// fail loudly instead of vanishing.
type Gateway struct {
	store   docstore.Store
	logger  *zerolog.Logger
	metrics *metrics.Metrics
}

func NewGateway(store docstore.Store, logger *zerolog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{store: store, logger: logger, metrics: m}
}

// MergeWrite writes only the given fields at collectionPath/documentKey,
// leaving every other field of the document untouched. Issuing the same
// write twice produces the same end state.
func (g *Gateway) MergeWrite(ctx context.Context, collectionPath, documentKey string, fields model.JSONMap) error {
	if documentKey == "" {
		return apperror.InvalidInput("document key is required")
	}
	if err := validateFields(fields, 0); err != nil {
		return err
	}
	if g.store == nil {
		return apperror.WriteFailed(apperror.NetworkUnavailable(nil))
	}

	start := time.Now()
	err := g.store.MergeWrite(ctx, collectionPath+"/"+documentKey, docstore.Fields(fields))
	g.observe("merge", start, err)
	if err != nil {
		if ctx.Err() != nil {
			return apperror.Timeout("merge write", err)
		}
		return apperror.WriteFailed(err)
	}
	return nil
}

// Append creates a new document with a store-generated key. The gateway
// stamps both the server creation timestamp and a client ISO fallback, so
// readers can order the record before the server time resolves.
func (g *Gateway) Append(ctx context.Context, collectionPath string, fields model.JSONMap) (string, error) {
	if collectionPath == "" {
		return "", apperror.InvalidInput("collection path is required")
	}
	if err := validateFields(fields, 0); err != nil {
		return "", err
	}
	if g.store == nil {
		return "", apperror.WriteFailed(apperror.NetworkUnavailable(nil))
	}

	stamped := make(docstore.Fields, len(fields)+2)
	for k, v := range fields {
		stamped[k] = v
	}
	if _, ok := stamped[model.FieldCreatedAt]; !ok {
		stamped[model.FieldCreatedAt] = docstore.ServerTimestamp{}
	}
	if _, ok := stamped[model.FieldClientTime]; !ok {
		stamped[model.FieldClientTime] = time.Now().UTC().Format(time.RFC3339)
	}

	start := time.Now()
	key, err := g.store.AddDocument(ctx, collectionPath, stamped)
	g.observe("append", start, err)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperror.Timeout("append", err)
		}
		return "", apperror.WriteFailed(err)
	}
	return key, nil
}

func (g *Gateway) observe(op string, start time.Time, err error) {
	if g.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	g.metrics.WriteOperations.WithLabelValues(op, status).Inc()
	g.metrics.WriteLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

var errFieldsTooDeep = errors.New("fields nested too deeply")

// validateFields accepts flat-or-nested mappings of primitive and array
// values. The depth bound rejects cyclic maps without walking pointers.
func validateFields(fields model.JSONMap, depth int) error {
	if fields == nil {
		return apperror.InvalidInput("fields are required")
	}
	if depth > maxFieldDepth {
		return apperror.Wrap(apperror.CodeInvalidInput, "fields rejected", errFieldsTooDeep)
	}
	for key, value := range fields {
		if key == "" {
			return apperror.InvalidInput("field names must be non-empty")
		}
		if err := validateValue(value, depth); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(value interface{}, depth int) error {
	switch v := value.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		time.Time, docstore.ServerTimestamp:
		return nil
	case model.JSONMap:
		return validateFields(v, depth+1)
	case map[string]interface{}:
		return validateFields(model.JSONMap(v), depth+1)
	case []interface{}:
		for _, item := range v {
			if err := validateValue(item, depth+1); err != nil {
				return err
			}
		}
		return nil
	case []string:
		return nil
	default:
		return apperror.InvalidInput(fmt.Sprintf("unsupported field type %T", value))
	}
}
