package converter

import (
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/columnar"
)

// ValidateRequest checks that every location in req is set.
func ValidateRequest(req Request) error {
	var missing []string
	if strings.TrimSpace(req.Dataset) == "" {
		missing = append(missing, "dataset")
	}
	if strings.TrimSpace(req.Source.Bucket) == "" {
		missing = append(missing, "source bucket")
	}
	if strings.TrimSpace(req.Source.Key) == "" {
		missing = append(missing, "source key")
	}
	if strings.TrimSpace(req.Destination.Bucket) == "" {
		missing = append(missing, "destination bucket")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// ValidationResult contains the outcome of output validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
	RowCount int64
	ByteSize int64
}

// Error joins the validation errors into one message.
func (r ValidationResult) Error() string {
	return strings.Join(r.Errors, "; ")
}

// ValidateConversion performs quality checks on a finished file before
// publishing. This validates:
// - Record count consistency (rows read == rows written == rows in file)
// - Checksum presence and match against the file on disk
// - Codec is snappy
func ValidateConversion(rowsRead int64, file columnar.File) ValidationResult {
	result := ValidationResult{
		Passed:   true,
		RowCount: file.Rows,
		ByteSize: file.Size,
	}

	// Check 1: Records written match records read
	if file.Rows != rowsRead {
		result.Errors = append(result.Errors,
			fmt.Sprintf("record count mismatch: read %d, wrote %d", rowsRead, file.Rows))
		result.Passed = false
	}

	// Check 2: File footer agrees
	stored, err := columnar.CountRows(file.Path)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("read back row count: %v", err))
		result.Passed = false
	} else if stored != file.Rows {
		result.Errors = append(result.Errors,
			fmt.Sprintf("record count mismatch: wrote %d, file holds %d", file.Rows, stored))
		result.Passed = false
	}

	// Check 3: Checksum present and matches
	if file.Checksum == "" {
		result.Errors = append(result.Errors, "missing checksum")
		result.Passed = false
	} else if ok, err := columnar.VerifyFile(file.Path, file.Checksum); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("verify checksum: %v", err))
		result.Passed = false
	} else if !ok {
		result.Errors = append(result.Errors, "checksum does not match file contents")
		result.Passed = false
	}

	// Check 4: Codec
	if file.Codec != columnar.CodecName {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("unexpected codec %q", file.Codec))
	}

	// Check 5: Empty output is legal but worth noting
	if file.Rows == 0 {
		result.Warnings = append(result.Warnings, "snapshot has no data rows")
	}

	return result
}
