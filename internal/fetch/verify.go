package fetch

import (
	"bytes"
	"fmt"
	"os"

	"github.com/wxsection/nwpcache/internal/nwp"
)

// MinGRIBSize is the smallest plausible GRIB payload. Even the smallest
// surface subsets exceed 1MB; HTML error pages are under 5KB.
const MinGRIBSize int64 = 500_000

var gribMagic = []byte("GRIB")

// checkGRIBMagic confirms the file starts with the GRIB indicator.
func checkGRIBMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for magic check: %w", err)
	}
	defer f.Close()

	head := make([]byte, len(gribMagic))
	if _, err := f.Read(head); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if !bytes.Equal(head, gribMagic) {
		return fmt.Errorf("file does not start with GRIB magic (got %q)", head)
	}
	return nil
}

// Verify confirms a fetched sub-resource is present and structurally valid.
// It is the Verifying-state check: a failure means the part must be fetched
// again, not that the whole item failed.
func Verify(sub nwp.SubResource, path string, minSize int64) error {
	if minSize <= 0 {
		minSize = MinGRIBSize
	}
	info, err := os.Stat(path)
	if err != nil {
		return &nwp.VerificationError{Sub: sub, Reason: "payload missing"}
	}
	if info.Size() < minSize {
		return &nwp.VerificationError{Sub: sub, Reason: fmt.Sprintf("payload too small (%d bytes)", info.Size())}
	}
	if err := checkGRIBMagic(path); err != nil {
		return &nwp.VerificationError{Sub: sub, Reason: err.Error()}
	}
	return nil
}
