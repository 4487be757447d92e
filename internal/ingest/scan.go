package ingest

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"cohort-validator/internal/report"
)

type Encoding string

const (
	EncodingUTF8    Encoding = "utf-8"
	EncodingUTF8BOM Encoding = "utf-8-bom"
	EncodingUTF16LE Encoding = "utf-16le"
	EncodingUTF16BE Encoding = "utf-16be"
)

type LineEnding string

const (
	LineEndingLF   LineEnding = "lf"
	LineEndingCRLF LineEnding = "crlf"
	LineEndingCR   LineEnding = "cr"
)

// FileScan is the result of the first streaming pass over a submitted file.
// The file is never materialized in memory; everything here comes from a
// single buffered read.
type FileScan struct {
	Path       string
	SizeBytes  int64
	SHA256     string
	LineCount  int64
	Header     []string
	Encoding   Encoding
	HasBOM     bool
	LineEnding LineEnding

	Issues []report.Issue
}

// HeaderMissing reports whether the scan failed to produce usable header
// columns. Structural issues are recorded on the scan, not raised.
func (s *FileScan) HeaderMissing() bool {
	return len(s.Header) == 0
}

const maxMalformedRowReports = 50

// ScanFile streams the file once to compute size, content hash, line count,
// header columns, and encoding metadata.
func ScanFile(path string) (*FileScan, error) {
	scan := &FileScan{Path: path, Encoding: EncodingUTF8, LineEnding: LineEndingLF}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("error reading file info for %s: %w", path, err)
	}
	scan.SizeBytes = info.Size()

	if scan.SizeBytes == 0 {
		scan.Issues = append(scan.Issues, report.Issue{
			Severity:  report.SeverityCritical,
			IssueType: report.IssueEmptyFile,
			Message:   "submitted file is empty",
		})
		return scan, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening file %s: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	reader := bufio.NewReaderSize(io.TeeReader(file, hasher), 256*1024)

	head, err := reader.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error reading file head: %w", err)
	}
	scan.Encoding, scan.HasBOM = detectEncoding(head)
	scan.LineEnding = detectLineEnding(head)

	decoded, decodeErr := decodingReader(reader, scan.Encoding)
	if decodeErr != nil {
		scan.Issues = append(scan.Issues, report.Issue{
			Severity:  report.SeverityCritical,
			IssueType: report.IssueDecodeError,
			Message:   decodeErr.Error(),
		})
		// Still hash the remaining bytes so the audit trail has a full
		// content hash even for undecodable files.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return nil, fmt.Errorf("error hashing file: %w", err)
		}
		scan.SHA256 = hex.EncodeToString(hasher.Sum(nil))
		return scan, nil
	}

	lines := bufio.NewScanner(decoded)
	lines.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lines.Split(splitLines)

	first := true
	for lines.Scan() {
		line := lines.Text()
		scan.LineCount++

		if first {
			first = false
			scan.Header = parseHeader(line)
			if strings.TrimSpace(line) == "" {
				scan.Header = nil
			}
		}
	}
	if err := lines.Err(); err != nil {
		scan.Issues = append(scan.Issues, report.Issue{
			Severity:  report.SeverityCritical,
			IssueType: report.IssueDecodeError,
			Message:   fmt.Sprintf("error reading file on detected encoding %s: %v", scan.Encoding, err),
		})
	}

	// Drain anything left unread so the hash covers every byte of the file.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return nil, fmt.Errorf("error hashing file: %w", err)
	}
	scan.SHA256 = hex.EncodeToString(hasher.Sum(nil))

	if scan.HeaderMissing() && !hasIssue(scan.Issues, report.IssueDecodeError) {
		scan.Issues = append(scan.Issues, report.Issue{
			Severity:  report.SeverityCritical,
			IssueType: report.IssueMissingHeader,
			Message:   "file has no header row",
		})
	}

	return scan, nil
}

// splitLines ends a line on LF, CRLF, or a bare CR. The default scanner
// split only understands LF, which turns classic-Mac exports into one
// giant line.
func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\n':
			return i + 1, data[:i], nil
		case '\r':
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if atEOF {
				return i + 1, data[:i], nil
			}
			// Need one more byte to tell CR from CRLF.
			return 0, nil, nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func hasIssue(issues []report.Issue, issueType string) bool {
	for _, issue := range issues {
		if issue.IssueType == issueType {
			return true
		}
	}
	return false
}

func detectEncoding(head []byte) (Encoding, bool) {
	switch {
	case len(head) >= 3 && bytes.Equal(head[:3], []byte{0xEF, 0xBB, 0xBF}):
		return EncodingUTF8BOM, true
	case len(head) >= 2 && bytes.Equal(head[:2], []byte{0xFF, 0xFE}):
		return EncodingUTF16LE, true
	case len(head) >= 2 && bytes.Equal(head[:2], []byte{0xFE, 0xFF}):
		return EncodingUTF16BE, true
	default:
		return EncodingUTF8, false
	}
}

func detectLineEnding(head []byte) LineEnding {
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		if i > 0 && head[i-1] == '\r' {
			return LineEndingCRLF
		}
		return LineEndingLF
	}
	if bytes.IndexByte(head, '\r') >= 0 {
		return LineEndingCR
	}
	return LineEndingLF
}

func decodingReader(r io.Reader, enc Encoding) (io.Reader, error) {
	switch enc {
	case EncodingUTF8:
		return r, nil
	case EncodingUTF8BOM:
		// Skip the 3-byte BOM.
		if _, err := io.CopyN(io.Discard, r, 3); err != nil {
			return nil, fmt.Errorf("error skipping utf-8 BOM: %w", err)
		}
		return r, nil
	case EncodingUTF16LE:
		decoder := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		return transform.NewReader(r, decoder), nil
	case EncodingUTF16BE:
		decoder := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		return transform.NewReader(r, decoder), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %s", enc)
	}
}

func parseHeader(line string) []string {
	line = strings.TrimSuffix(line, "\r")
	reader := csv.NewReader(strings.NewReader(line))
	columns, err := reader.Read()
	if err != nil {
		return nil
	}
	for i := range columns {
		columns[i] = strings.TrimSpace(columns[i])
	}
	return columns
}

// CheckRowShapes streams the file a second time and verifies every row has
// the header's column count, collecting up to a bounded number of
// malformed-row reports. Row numbers are physical, counting the header as
// row 1.
func CheckRowShapes(path string, scan *FileScan) ([]report.Issue, error) {
	if scan.HeaderMissing() {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening file %s: %w", path, err)
	}
	defer file.Close()

	decoded, err := decodingReader(bufio.NewReaderSize(file, 256*1024), scan.Encoding)
	if err != nil {
		return nil, err
	}

	var src io.Reader = decoded
	if scan.LineEnding == LineEndingCR {
		src = &crLineReader{r: decoded}
	}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1

	expected := len(scan.Header)
	var issues []report.Issue
	var rowNo int64 // physical row number, header is row 1

	capReached := func() bool {
		if len(issues) < maxMalformedRowReports {
			return false
		}
		issues = append(issues, report.Issue{
			Severity:  report.SeverityInfo,
			IssueType: report.IssueMalformedRow,
			Message:   fmt.Sprintf("additional malformed rows suppressed after %d reports", maxMalformedRowReports),
		})
		return true
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNo++
		if err != nil {
			issues = append(issues, report.Issue{
				Severity:  report.SeverityError,
				IssueType: report.IssueMalformedRow,
				RowNumber: rowNo,
				Message:   fmt.Sprintf("unreadable row: %v", err),
			})
			// Parse errors leave the reader positioned on the next line;
			// anything else means the stream itself is broken.
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) || capReached() {
				break
			}
			continue
		}

		if rowNo == 1 {
			// Header row.
			continue
		}

		if len(record) != expected {
			issues = append(issues, report.Issue{
				Severity:      report.SeverityError,
				IssueType:     report.IssueMalformedRow,
				RowNumber:     rowNo,
				Message:       fmt.Sprintf("row has %d columns, header has %d", len(record), expected),
				ObservedValue: fmt.Sprintf("%d", len(record)),
				ExpectedValue: fmt.Sprintf("%d", expected),
			})
			if capReached() {
				break
			}
		}
	}

	return issues, nil
}

// crLineReader rewrites bare-CR line endings to LF; encoding/csv only splits
// records on LF and CRLF.
type crLineReader struct {
	r io.Reader
}

func (c *crLineReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	for i := 0; i < n; i++ {
		if p[i] == '\r' {
			p[i] = '\n'
		}
	}
	return n, err
}
