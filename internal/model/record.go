package model

import "time"

// JSONMap represents a generic JSON object
type JSONMap map[string]interface{}

// Well-known collections mirrored from the document store layout.
const (
	CollectionUsers          = "users"
	CollectionMedicalRecords = "medicalRecords"
	CollectionPrescriptions  = "prescriptions"
	CollectionPatients       = "patients"

	// FieldCreatedAt is the server-assigned ordering field on appended
	// documents; FieldClientTime is the client ISO fallback written
	// alongside it.
	FieldCreatedAt  = "createdAt"
	FieldClientTime = "clientTime"
	FieldAddedAt    = "addedAt"
)

// RemoteCollectionPath maps a logical collection and scope onto the
// store's nesting: the patient roster hangs off the doctor document,
// everything else off the subject user.
func RemoteCollectionPath(collection, scope string) string {
	if collection == CollectionPatients {
		return "doctors/" + scope + "/" + collection
	}
	return CollectionUsers + "/" + scope + "/" + collection
}

// ViewRecord is a normalized, UI-ready projection of one remote document.
// It is rebuilt wholesale on every snapshot; the UI never mutates it.
type ViewRecord struct {
	ID                string    `json:"id"`
	OrderingTimestamp time.Time `json:"ordering_timestamp"`
	Fields            JSONMap   `json:"fields"`
}

// Snapshot is one delivery on a live view: the full ordered record set or,
// for stream failures, an error. Degraded marks synthetic offline data.
type Snapshot struct {
	Records  []ViewRecord `json:"records"`
	Err      error        `json:"-"`
	Degraded bool         `json:"degraded"`
}

// AppendRequest is the record handler's append payload.
type AppendRequest struct {
	Collection string  `json:"collection" binding:"required"`
	Scope      string  `json:"scope" binding:"required"`
	Fields     JSONMap `json:"fields" binding:"required"`
}
