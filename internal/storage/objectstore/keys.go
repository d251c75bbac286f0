package objectstore

import (
	"fmt"
	"strings"
)

// Stage is a processing stage under a dataset's storage subtree.
type Stage string

const (
	StageRaw          Stage = "raw"
	StageRawExtracted Stage = "raw_extracted"
	StageSecure       Stage = "secure"
)

// StagePrefix builds the canonical prefix for one dataset stage. Prefixes
// always end with a slash so keys can be appended directly.
func StagePrefix(teamID, datasetID string, stage Stage) string {
	return fmt.Sprintf("team/%s/dataset/%s/%s/", teamID, datasetID, stage)
}

// RawPrefix is the canonical landing prefix for uploaded source files.
func RawPrefix(teamID, datasetID string) string {
	return StagePrefix(teamID, datasetID, StageRaw)
}

// Key joins a prefix and a relative path into an object key. Leading
// separators on the relative path are dropped so callers cannot escape
// the prefix.
func Key(prefix, relativePath string) string {
	rel := strings.TrimLeft(strings.ReplaceAll(relativePath, "\\", "/"), "/")
	if !strings.HasSuffix(prefix, "/") && prefix != "" {
		prefix += "/"
	}
	return prefix + rel
}
