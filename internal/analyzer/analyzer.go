package analyzer

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"
)

// ErrUnknownFormat is returned for file extensions the pipeline cannot read.
var ErrUnknownFormat = errors.New("unknown file format")

var candidateDelimiters = []rune{',', ';', '\t', '|'}

const sampleLineLimit = 20

// Analyze inspects a file name plus a raw sample of its content and resolves
// the metadata the import core relies on. Detection is heuristic; template
// hints and request overrides are layered on top by the orchestrator.
func Analyze(fileName string, sample []byte) (domain.FileMetadata, error) {
	meta := domain.FileMetadata{
		FileName:  fileName,
		Quote:     '"',
		SizeBytes: int64(len(sample)),
	}

	format, err := detectFormat(fileName)
	if err != nil {
		return domain.FileMetadata{}, err
	}
	meta.Format = format

	if format == domain.FileFormatXLSX {
		// Zip container: encoding and delimiter do not apply, the row count
		// comes from the pre-scan instead.
		meta.HasHeader = true
		return meta, nil
	}

	meta.Encoding = detectEncoding(sample)
	lines := sampleLines(sample, meta.Encoding)
	meta.Delimiter = detectDelimiter(lines)
	meta.HasHeader = looksLikeHeader(lines, meta.Delimiter)
	meta.EstimatedRows = estimateRows(sample, meta.HasHeader)
	return meta, nil
}

func detectFormat(fileName string) (domain.FileFormat, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".txt", ".tsv":
		return domain.FileFormatCSV, nil
	case ".xlsx", ".xlsm":
		return domain.FileFormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, fileName)
	}
}

// detectEncoding checks byte order marks first, then falls back to a UTF-8
// validity check. Invalid UTF-8 with high bytes is treated as Windows-1251,
// the dominant legacy encoding for the files this service receives.
func detectEncoding(sample []byte) string {
	switch {
	case bytes.HasPrefix(sample, []byte{0xEF, 0xBB, 0xBF}):
		return "UTF-8"
	case bytes.HasPrefix(sample, []byte{0xFF, 0xFE}):
		return "UTF-16LE"
	case bytes.HasPrefix(sample, []byte{0xFE, 0xFF}):
		return "UTF-16BE"
	}
	if utf8.Valid(sample) {
		return "UTF-8"
	}
	return "WINDOWS-1251"
}

// detectDelimiter picks the candidate with the highest count that stays
// consistent across the sampled lines. Comma wins ties by candidate order.
func detectDelimiter(lines []string) rune {
	best := ','
	bestScore := 0
	for _, candidate := range candidateDelimiters {
		score := delimiterScore(lines, candidate)
		if score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	return best
}

func delimiterScore(lines []string, delimiter rune) int {
	counts := make([]int, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		counts = append(counts, strings.Count(line, string(delimiter)))
	}
	if len(counts) == 0 || counts[0] == 0 {
		return 0
	}
	for _, count := range counts[1:] {
		if count != counts[0] {
			return 0
		}
	}
	return counts[0]
}

// looksLikeHeader reports whether the first sampled line reads as column
// names: every cell non-empty and none parsing as a number.
func looksLikeHeader(lines []string, delimiter rune) bool {
	if len(lines) == 0 {
		return false
	}
	cells := strings.Split(lines[0], string(delimiter))
	for _, cell := range cells {
		cell = strings.TrimSpace(strings.Trim(strings.TrimSpace(cell), `"`))
		if cell == "" {
			return false
		}
		if isNumeric(cell) {
			return false
		}
	}
	return true
}

func isNumeric(value string) bool {
	dots := 0
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case (r == '-' || r == '+') && i == 0:
		case (r == '.' || r == ',') && dots == 0:
			dots++
		default:
			return false
		}
	}
	return value != ""
}

func estimateRows(sample []byte, hasHeader bool) int {
	if len(sample) == 0 {
		return 0
	}
	rows := bytes.Count(sample, []byte{'\n'})
	if sample[len(sample)-1] != '\n' {
		rows++
	}
	if hasHeader && rows > 0 {
		rows--
	}
	return rows
}

// sampleLines splits the first lines of the sample for delimiter and header
// detection. Non-UTF-8 samples are inspected byte-wise, which is fine for
// counting single-byte delimiters.
func sampleLines(sample []byte, encoding string) []string {
	text := string(sample)
	if encoding == "UTF-8" {
		text = strings.TrimPrefix(text, "\xEF\xBB\xBF")
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) > sampleLineLimit {
		lines = lines[:sampleLineLimit]
	}
	return lines
}
