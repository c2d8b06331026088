package subscription

import (
	"sort"
	"time"

	"github.com/medipass/sync-api/internal/model"
	"github.com/medipass/sync-api/pkg/docstore"
)

// ResolveOrderingTimestamp picks the ordering time for one document using
// the three-tier fallback: a resolved server time in the order field, then
// the client ISO fallback field, then the snapshot receipt time. Server
// timestamps are assigned asynchronously by the store, so a record can be
// observed before its order field resolves; the fallback keeps ordering
// deterministic through that window.
func ResolveOrderingTimestamp(fields docstore.Fields, orderField string, receipt time.Time) time.Time {
	if t, ok := docstore.ResolveTime(fields[orderField]); ok {
		return t
	}
	if t, ok := docstore.ResolveTime(fields[model.FieldClientTime]); ok {
		return t
	}
	return receipt
}

// Project converts raw documents into view records sorted descending by
// ordering timestamp, ties broken by document key ascending.
func Project(docs []docstore.Document, orderField string, receipt time.Time) []model.ViewRecord {
	records := make([]model.ViewRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, model.ViewRecord{
			ID:                doc.Key,
			OrderingTimestamp: ResolveOrderingTimestamp(doc.Fields, orderField, receipt),
			Fields:            model.JSONMap(doc.Fields),
		})
	}

	sort.SliceStable(records, func(i, j int) bool {
		ti, tj := records[i].OrderingTimestamp, records[j].OrderingTimestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return records[i].ID < records[j].ID
	})
	return records
}
