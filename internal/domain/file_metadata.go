package domain

// FileFormat identifies a supported tabular file format.
type FileFormat string

const (
	FileFormatCSV  FileFormat = "CSV"
	FileFormatXLSX FileFormat = "XLSX"
)

// FileMetadata describes a file as resolved by the analyzer. The import core
// treats it as authoritative and never re-detects format itself.
type FileMetadata struct {
	FileName      string     `json:"file_name"`
	Format        FileFormat `json:"format"`
	Encoding      string     `json:"encoding"`
	Delimiter     rune       `json:"delimiter"`
	Quote         rune       `json:"quote"`
	HasHeader     bool       `json:"has_header"`
	SkipRows      int        `json:"skip_rows"`
	SizeBytes     int64      `json:"size_bytes"`
	EstimatedRows int        `json:"estimated_rows,omitempty"`
}
