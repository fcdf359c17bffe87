package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrUnsupportedFormat is returned when a file format has no row source.
var ErrUnsupportedFormat = errors.New("unsupported file format")

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// Row is one raw row of cells, addressed by its physical 1-based position in
// the file (skipped and header rows included in the numbering).
type Row struct {
	Number int
	Cells  []string
}

// RowSource produces a lazy, finite, forward-only sequence of raw rows.
// Next returns io.EOF once the source is exhausted.
type RowSource interface {
	Header() []string
	Next() (Row, error)
	Close() error
}

// NewRowSource opens a row source for the payload according to the resolved
// file metadata, positioned after the configured skip offset and header row.
func NewRowSource(payload []byte, meta domain.FileMetadata) (RowSource, error) {
	switch meta.Format {
	case domain.FileFormatCSV:
		return newCSVSource(payload, meta)
	case domain.FileFormatXLSX:
		return newExcelSource(payload, meta)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, meta.Format)
	}
}

// CountDataRows resolves the total number of data rows before processing
// starts. Both formats use the same streaming pre-scan so blank rows are
// excluded from the total exactly as they are during processing; spreadsheet
// dimension metadata would count them.
func CountDataRows(payload []byte, meta domain.FileMetadata) (int, error) {
	source, err := NewRowSource(payload, meta)
	if err != nil {
		return 0, err
	}
	defer func() { _ = source.Close() }()

	total := 0
	for {
		if _, err := source.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return 0, err
		}
		total++
	}
}

type csvSource struct {
	reader  *csv.Reader
	header  []string
	rowNum  int
	columns int
}

func newCSVSource(payload []byte, meta domain.FileMetadata) (*csvSource, error) {
	decoded, err := decodeReader(bytes.NewReader(payload), meta.Encoding)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(decoded)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	if meta.Delimiter != 0 {
		reader.Comma = meta.Delimiter
	}

	source := &csvSource{reader: reader}
	for i := 0; i < meta.SkipRows; i++ {
		if _, err := source.read(); err != nil {
			if errors.Is(err, io.EOF) {
				return source, nil
			}
			return nil, err
		}
	}
	if meta.HasHeader {
		row, err := source.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return source, nil
			}
			return nil, err
		}
		source.header = trimCells(row.Cells)
	}
	return source, nil
}

func (s *csvSource) read() (Row, error) {
	cells, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Row{}, io.EOF
		}
		return Row{}, fmt.Errorf("read csv row: %w", err)
	}
	s.rowNum++
	return Row{Number: s.rowNum, Cells: cells}, nil
}

func (s *csvSource) Header() []string { return s.header }

func (s *csvSource) Next() (Row, error) {
	for {
		row, err := s.read()
		if err != nil {
			return Row{}, err
		}
		if isEmptyRow(row.Cells) {
			continue
		}
		return row, nil
	}
}

func (s *csvSource) Close() error { return nil }

type excelSource struct {
	file   *excelize.File
	rows   *excelize.Rows
	header []string
	rowNum int
}

func newExcelSource(payload []byte, meta domain.FileMetadata) (*excelSource, error) {
	file, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		_ = file.Close()
		return nil, errors.New("excel file has no sheets")
	}

	rows, err := file.Rows(sheets[0])
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open xlsx rows: %w", err)
	}

	source := &excelSource{file: file, rows: rows}
	for i := 0; i < meta.SkipRows; i++ {
		if _, err := source.read(); err != nil {
			if errors.Is(err, io.EOF) {
				return source, nil
			}
			_ = source.Close()
			return nil, err
		}
	}
	if meta.HasHeader {
		row, err := source.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return source, nil
			}
			_ = source.Close()
			return nil, err
		}
		source.header = trimCells(row.Cells)
	}
	return source, nil
}

func (s *excelSource) read() (Row, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return Row{}, fmt.Errorf("iterate xlsx rows: %w", err)
		}
		return Row{}, io.EOF
	}
	cells, err := s.rows.Columns()
	if err != nil {
		return Row{}, fmt.Errorf("read xlsx row: %w", err)
	}
	s.rowNum++
	return Row{Number: s.rowNum, Cells: cells}, nil
}

func (s *excelSource) Header() []string { return s.header }

func (s *excelSource) Next() (Row, error) {
	for {
		row, err := s.read()
		if err != nil {
			return Row{}, err
		}
		if isEmptyRow(row.Cells) {
			continue
		}
		return row, nil
	}
}

func (s *excelSource) Close() error {
	if s.rows != nil {
		_ = s.rows.Close()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// decodeReader wraps the raw payload with a decoder for the analyzer's
// detected encoding. UTF-8 input only needs its BOM stripped.
func decodeReader(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToUpper(strings.TrimSpace(encoding)) {
	case "", "UTF-8", "UTF8":
		buffered := bufio.NewReader(r)
		if prefix, err := buffered.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
			_, _ = buffered.Discard(len(byteOrderMark))
		}
		return buffered, nil
	case "WINDOWS-1251", "CP1251":
		return transform.NewReader(r, charmap.Windows1251.NewDecoder()), nil
	case "ISO-8859-1", "LATIN1":
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), nil
	case "UTF-16", "UTF-16LE":
		return transform.NewReader(r, unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()), nil
	case "UTF-16BE":
		return transform.NewReader(r, unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

func trimCells(cells []string) []string {
	trimmed := make([]string, len(cells))
	for i, cell := range cells {
		trimmed[i] = strings.TrimSpace(cell)
	}
	return trimmed
}

func isEmptyRow(cells []string) bool {
	for _, cell := range cells {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
