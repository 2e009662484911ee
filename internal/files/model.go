package files

// SharedLinkType enumerates the access a shared link grants.
type SharedLinkType string

const (
	// SharedLinkTypeEdit grants read-write access to non-owners.
	SharedLinkTypeEdit SharedLinkType = "edit"
	// SharedLinkTypeView grants read-only access to non-owners.
	SharedLinkTypeView SharedLinkType = "view"
)

// CreateSource prefixes recognised in FileRecord.CreateSource.
const (
	// CreateSourceEmpty is the sentinel for "start from a blank document".
	CreateSourceEmpty = "empty"
	// CreateSourceFilePrefix references another file in the same app: "file/<fileID>".
	CreateSourceFilePrefix = "file/"
	// CreateSourcePublishedPrefix references a published snapshot: "published/<slug>".
	CreateSourcePublishedPrefix = "published/"
)

// FileRecord is the metadata-database row for one app document.
type FileRecord struct {
	FileID            string         `gorm:"column:file_id;primaryKey;size:190;not null"`
	OwnerID           string         `gorm:"column:owner_id;size:190;not null;index:idx_files_owner"`
	Name              string         `gorm:"column:name;size:512;not null;default:''"`
	Shared            bool           `gorm:"column:shared;not null;default:false"`
	SharedLinkType    SharedLinkType `gorm:"column:shared_link_type;size:16;not null;default:'edit'"`
	Published         bool           `gorm:"column:published;not null;default:false"`
	PublishedSlug     string         `gorm:"column:published_slug;size:190;not null;default:'';index:idx_files_published_slug"`
	CreateSource      string         `gorm:"column:create_source;size:512;not null;default:''"`
	RestrictedToAdmin bool           `gorm:"column:restricted_to_admin;not null;default:false"`
	IsDeleted         bool           `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtSeconds  int64          `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds  int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FileRecord) TableName() string {
	return "files"
}

// LegacyDocument is a pre-app document row carrying its snapshot inline,
// looked up by slug when no blob-store entry exists.
type LegacyDocument struct {
	Slug         string `gorm:"column:slug;primaryKey;size:190;not null"`
	SnapshotJSON string `gorm:"column:snapshot_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LegacyDocument) TableName() string {
	return "legacy_documents"
}
