package frame

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/contextframe/contextframe/pkg/cferrs"
)

// Reserved custom_metadata keys. The metadata column is string/string by
// design; numeric collection fields are stored stringified under these
// keys and parsed back through CollectionMeta.
const (
	MetaCollectionCreatedAt   = "collection_created_at"
	MetaCollectionUpdatedAt   = "collection_updated_at"
	MetaCollectionMemberCount = "collection_member_count"
	MetaCollectionTotalSize   = "collection_total_size"
	MetaCollectionTemplate    = "collection_template"
	MetaSharedPrefix          = "shared_"
)

// CollectionMeta is the typed view over the reserved collection_* and
// shared_* metadata keys of a collection header.
type CollectionMeta struct {
	CreatedAt   string
	UpdatedAt   string
	MemberCount int64
	TotalSize   int64
	Template    string
	Shared      map[string]string
}

// GetCollectionMeta parses the reserved keys from a header record. It
// fails explicitly on malformed numeric values rather than coercing.
func GetCollectionMeta(rec *Record) (CollectionMeta, error) {
	meta := CollectionMeta{Shared: map[string]string{}}
	for _, p := range rec.CustomMetadata {
		switch p.Key {
		case MetaCollectionCreatedAt:
			meta.CreatedAt = p.Value
		case MetaCollectionUpdatedAt:
			meta.UpdatedAt = p.Value
		case MetaCollectionMemberCount:
			n, err := strconv.ParseInt(p.Value, 10, 64)
			if err != nil {
				return meta, cferrs.New(cferrs.CodeValidation, false,
					"%s: %q is not an integer", p.Key, p.Value)
			}
			meta.MemberCount = n
		case MetaCollectionTotalSize:
			n, err := strconv.ParseInt(p.Value, 10, 64)
			if err != nil {
				return meta, cferrs.New(cferrs.CodeValidation, false,
					"%s: %q is not an integer", p.Key, p.Value)
			}
			meta.TotalSize = n
		case MetaCollectionTemplate:
			meta.Template = p.Value
		default:
			if strings.HasPrefix(p.Key, MetaSharedPrefix) {
				meta.Shared[strings.TrimPrefix(p.Key, MetaSharedPrefix)] = p.Value
			}
		}
	}
	return meta, nil
}

// SetCollectionMeta writes the reserved keys onto a header record,
// stringifying numeric fields. Keys the engine does not own are left
// untouched.
func SetCollectionMeta(rec *Record, meta CollectionMeta) {
	if meta.CreatedAt == "" {
		meta.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if meta.UpdatedAt == "" {
		meta.UpdatedAt = meta.CreatedAt
	}
	rec.SetMetadata(MetaCollectionCreatedAt, meta.CreatedAt)
	rec.SetMetadata(MetaCollectionUpdatedAt, meta.UpdatedAt)
	rec.SetMetadata(MetaCollectionMemberCount, strconv.FormatInt(meta.MemberCount, 10))
	rec.SetMetadata(MetaCollectionTotalSize, strconv.FormatInt(meta.TotalSize, 10))
	if meta.Template != "" {
		rec.SetMetadata(MetaCollectionTemplate, meta.Template)
	}
	for k, v := range meta.Shared {
		rec.SetMetadata(fmt.Sprintf("%s%s", MetaSharedPrefix, k), v)
	}
}
