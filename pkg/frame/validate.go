package frame

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/contextframe/contextframe/pkg/cferrs"
)

// FieldError reports one invariant violation on a named field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validate applies every schema invariant to the record. It is pure and
// performs no I/O. All violations are reported, not just the first; the
// returned error wraps them and carries E_VALIDATION.
func Validate(rec *Record, embedDim int) error {
	var errs *multierror.Error

	add := func(field, format string, args ...any) {
		errs = multierror.Append(errs, &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if rec == nil {
		return cferrs.Wrap(cferrs.CodeValidation, false, &FieldError{Field: "record", Reason: "is nil"})
	}

	if rec.UUID == "" {
		add(ColUUID, "is required")
	} else if _, err := uuid.Parse(rec.UUID); err != nil {
		add(ColUUID, "malformed: %v", err)
	}

	if rec.Title == "" {
		add(ColTitle, "is required and must be non-empty")
	}

	if len(rec.Vector) > 0 {
		if len(rec.Vector) != embedDim {
			add(ColVector, "length %d does not match dataset dimension %d", len(rec.Vector), embedDim)
		}
		if rec.EmbeddingDim != 0 && int(rec.EmbeddingDim) != embedDim {
			add(ColEmbeddingDim, "declared %d, dataset dimension is %d", rec.EmbeddingDim, embedDim)
		}
	}

	hasData := len(rec.RawData) > 0 || rec.RawDataRef != nil
	if hasData && rec.RawDataType == "" {
		add(ColRawDataType, "required when raw_data is present")
	}
	if !hasData && rec.RawDataType != "" {
		add(ColRawData, "raw_data_type set without raw_data")
	}

	switch rec.RecordType {
	case "", TypeDocument, TypeCollectionHeader, TypeDatasetHeader, TypeFrameset:
	default:
		add(ColRecordType, "unknown record type %q", rec.RecordType)
	}

	for i, rel := range rec.Relationships {
		if !validRelType(rel.Type) {
			add(ColRelationships, "relationships[%d].type %q is not a valid relationship type", i, rel.Type)
		}
		if !rel.HasLocator() {
			add(ColRelationships, "relationships[%d] has no locator (id, uri, path or cid)", i)
		}
	}

	if rec.RecordType == TypeFrameset && len(rec.Relations(RelContains)) == 0 {
		add(ColRelationships, "a frameset must carry at least one contains relationship")
	}

	if rec.CreatedAt != "" && rec.UpdatedAt != "" {
		created, errC := time.Parse(time.RFC3339Nano, rec.CreatedAt)
		updated, errU := time.Parse(time.RFC3339Nano, rec.UpdatedAt)
		if errC != nil {
			add(ColCreatedAt, "not a valid RFC 3339 timestamp: %v", errC)
		}
		if errU != nil {
			add(ColUpdatedAt, "not a valid RFC 3339 timestamp: %v", errU)
		}
		if errC == nil && errU == nil && updated.Before(created) {
			add(ColUpdatedAt, "precedes created_at")
		}
	}

	for i, p := range rec.CustomMetadata {
		if p.Key == "" {
			add(ColCustomMetadata, "custom_metadata[%d] has an empty key", i)
		}
	}

	if errs.ErrorOrNil() == nil {
		return nil
	}
	return cferrs.Wrap(cferrs.CodeValidation, false, errs.ErrorOrNil())
}

func validRelType(t RelationshipType) bool {
	for _, v := range ValidRelationshipTypes {
		if v == t {
			return true
		}
	}
	return false
}
