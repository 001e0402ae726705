package models

// MetadataKind is the closed enumeration of metadata slots. Values at or
// above MetadataUserBase are reserved for user-defined kinds and accepted
// numerically.
type MetadataKind int

const (
	MetadataLastUpdate     MetadataKind = 1
	MetadataIndexInSeries  MetadataKind = 2
	MetadataReceptionDate  MetadataKind = 3
	MetadataRemoteAet      MetadataKind = 4
	MetadataModifiedFrom   MetadataKind = 5
	MetadataAnonymizedFrom MetadataKind = 6

	MetadataUserBase MetadataKind = 1024
)

// KnownMetadataKind reports whether k is a defined or user-range kind.
func KnownMetadataKind(k MetadataKind) bool {
	switch k {
	case MetadataLastUpdate, MetadataIndexInSeries, MetadataReceptionDate,
		MetadataRemoteAet, MetadataModifiedFrom, MetadataAnonymizedFrom:
		return true
	}
	return k >= MetadataUserBase
}
