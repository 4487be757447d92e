package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohort-validator/internal/report"
)

func writeTestFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.csv")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestScanFileBasic(t *testing.T) {
	content := []byte("patient_id,diagnosis\nP1,C50\nP2,C61\n")
	path := writeTestFile(t, content)

	scan, err := ScanFile(path)
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), scan.SizeBytes)
	assert.Equal(t, int64(3), scan.LineCount)
	assert.Equal(t, []string{"patient_id", "diagnosis"}, scan.Header)
	assert.Equal(t, EncodingUTF8, scan.Encoding)
	assert.False(t, scan.HasBOM)
	assert.Equal(t, LineEndingLF, scan.LineEnding)
	assert.Empty(t, scan.Issues)

	expected := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(expected[:]), scan.SHA256)
}

func TestScanFileEmpty(t *testing.T) {
	path := writeTestFile(t, nil)

	scan, err := ScanFile(path)
	require.NoError(t, err)

	require.Len(t, scan.Issues, 1)
	assert.Equal(t, report.SeverityCritical, scan.Issues[0].Severity)
	assert.Equal(t, report.IssueEmptyFile, scan.Issues[0].IssueType)
	assert.True(t, scan.HeaderMissing())
}

func TestScanFileMissingHeader(t *testing.T) {
	path := writeTestFile(t, []byte("\n\n"))

	scan, err := ScanFile(path)
	require.NoError(t, err)

	assert.True(t, scan.HeaderMissing())
	require.Len(t, scan.Issues, 1)
	assert.Equal(t, report.IssueMissingHeader, scan.Issues[0].IssueType)
	assert.Equal(t, report.SeverityCritical, scan.Issues[0].Severity)
}

func TestScanFileUTF8BOM(t *testing.T) {
	content := append([]byte{0xEF, 0xBB, 0xBF}, []byte("a,b\n1,2\n")...)
	path := writeTestFile(t, content)

	scan, err := ScanFile(path)
	require.NoError(t, err)

	assert.Equal(t, EncodingUTF8BOM, scan.Encoding)
	assert.True(t, scan.HasBOM)
	assert.Equal(t, []string{"a", "b"}, scan.Header)
}

func TestScanFileUTF16LE(t *testing.T) {
	text := "a,b\n1,2\n"
	content := []byte{0xFF, 0xFE}
	for _, r := range text {
		content = append(content, byte(r), 0x00)
	}
	path := writeTestFile(t, content)

	scan, err := ScanFile(path)
	require.NoError(t, err)

	assert.Equal(t, EncodingUTF16LE, scan.Encoding)
	assert.True(t, scan.HasBOM)
	assert.Equal(t, []string{"a", "b"}, scan.Header)
	assert.Equal(t, int64(2), scan.LineCount)
}

func TestScanFileCRLF(t *testing.T) {
	path := writeTestFile(t, []byte("a,b\r\n1,2\r\n"))

	scan, err := ScanFile(path)
	require.NoError(t, err)

	assert.Equal(t, LineEndingCRLF, scan.LineEnding)
	assert.Equal(t, []string{"a", "b"}, scan.Header)
}

func TestScanFileCROnly(t *testing.T) {
	path := writeTestFile(t, []byte("a,b\r1,2\r3,4\r"))

	scan, err := ScanFile(path)
	require.NoError(t, err)

	assert.Equal(t, LineEndingCR, scan.LineEnding)
	assert.Equal(t, int64(3), scan.LineCount)
	assert.Equal(t, []string{"a", "b"}, scan.Header)
	assert.Empty(t, scan.Issues)
}

func TestCheckRowShapesShortRow(t *testing.T) {
	path := writeTestFile(t, []byte("a,b,c\n1,2\n"))

	scan, err := ScanFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), scan.LineCount)

	issues, err := CheckRowShapes(path, scan)
	require.NoError(t, err)

	require.Len(t, issues, 1)
	assert.Equal(t, report.SeverityError, issues[0].Severity)
	assert.Equal(t, report.IssueMalformedRow, issues[0].IssueType)
	assert.Equal(t, int64(2), issues[0].RowNumber)
	assert.Equal(t, "2", issues[0].ObservedValue)
	assert.Equal(t, "3", issues[0].ExpectedValue)
}

func TestCheckRowShapesCleanFile(t *testing.T) {
	path := writeTestFile(t, []byte("a,b\n1,2\n3,4\n"))

	scan, err := ScanFile(path)
	require.NoError(t, err)

	issues, err := CheckRowShapes(path, scan)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestCheckRowShapesQuotedFieldsWithCommas(t *testing.T) {
	path := writeTestFile(t, []byte("a,b\n\"x,y\",2\n"))

	scan, err := ScanFile(path)
	require.NoError(t, err)

	issues, err := CheckRowShapes(path, scan)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestCheckRowShapesCROnly(t *testing.T) {
	path := writeTestFile(t, []byte("a,b\r1\r2,3\r"))

	scan, err := ScanFile(path)
	require.NoError(t, err)

	issues, err := CheckRowShapes(path, scan)
	require.NoError(t, err)

	require.Len(t, issues, 1)
	assert.Equal(t, report.IssueMalformedRow, issues[0].IssueType)
	assert.Equal(t, int64(2), issues[0].RowNumber)
	assert.Equal(t, "1", issues[0].ObservedValue)
	assert.Equal(t, "2", issues[0].ExpectedValue)
}

func TestCheckRowShapesContinuesPastUnreadableRow(t *testing.T) {
	path := writeTestFile(t, []byte("a,b\n1,2\"x\n3\n"))

	scan, err := ScanFile(path)
	require.NoError(t, err)

	issues, err := CheckRowShapes(path, scan)
	require.NoError(t, err)

	// The bare-quote row is reported and the rows after it are still checked.
	require.Len(t, issues, 2)
	assert.Equal(t, int64(2), issues[0].RowNumber)
	assert.Contains(t, issues[0].Message, "unreadable row")
	assert.Equal(t, int64(3), issues[1].RowNumber)
	assert.Equal(t, "1", issues[1].ObservedValue)
}

func TestCheckRowShapesCapsReports(t *testing.T) {
	content := "a,b\n"
	for i := 0; i < maxMalformedRowReports+20; i++ {
		content += "1,2,3\n"
	}
	path := writeTestFile(t, []byte(content))

	scan, err := ScanFile(path)
	require.NoError(t, err)

	issues, err := CheckRowShapes(path, scan)
	require.NoError(t, err)

	// Cap plus one suppression notice.
	require.Len(t, issues, maxMalformedRowReports+1)
	last := issues[len(issues)-1]
	assert.Equal(t, report.SeverityInfo, last.Severity)
}
