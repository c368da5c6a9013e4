package workspace

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// NoPatchNeeded is the sentinel a completion returns when the workspace is
// already correct.
const NoPatchNeeded = "NO_PATCH_NEEDED"

// ErrNoPatch is returned when a completion holds no usable unified diff.
var ErrNoPatch = errors.New("no unified diff found")

var fencePattern = regexp.MustCompile("(?s)```(?:diff|patch)?[ \t]*\r?\n(.*?)\n```")

// Patch is a validated unified diff.
type Patch struct {
	Text string
	// Files lists every path the diff touches, including the old path of a
	// rename.
	Files []string
	// NoChange is set when the completion declined to change anything.
	NoChange bool
}

// ExtractPatch pulls a unified diff out of a completion. The diff may be in
// a code fence or be the whole text. It is parsed before being returned so
// malformed output is rejected before reaching git.
func ExtractPatch(output string) (Patch, error) {
	text := output
	if m := fencePattern.FindStringSubmatch(output); m != nil {
		text = m[1]
	}
	text = strings.Trim(text, "\r\n")

	if !looksLikeDiff(text) {
		if strings.Contains(output, NoPatchNeeded) {
			return Patch{NoChange: true}, nil
		}
		return Patch{}, ErrNoPatch
	}

	files, err := diff.NewMultiFileDiffReader(strings.NewReader(text + "\n")).ReadAllFiles()
	if err != nil {
		return Patch{}, fmt.Errorf("%w: %v", ErrNoPatch, err)
	}
	if len(files) == 0 {
		return Patch{}, ErrNoPatch
	}

	p := Patch{Text: text + "\n"}
	hunks := 0
	for _, fd := range files {
		hunks += len(fd.Hunks)
		if name := fileName(fd); name != "" {
			p.Files = append(p.Files, name)
		}
		if orig := renamedFrom(fd); orig != "" {
			p.Files = append(p.Files, orig)
		}
	}
	if hunks == 0 && !hasExtendedHeaders(files) {
		return Patch{}, ErrNoPatch
	}
	return p, nil
}

func looksLikeDiff(text string) bool {
	return strings.Contains(text, "--- ") && strings.Contains(text, "+++ ") ||
		strings.HasPrefix(text, "diff --git ")
}

// hasExtendedHeaders reports git diffs that change files without hunks,
// such as renames or mode changes.
func hasExtendedHeaders(files []*diff.FileDiff) bool {
	for _, fd := range files {
		if len(fd.Extended) > 1 {
			return true
		}
	}
	return false
}

// renamedFrom returns the old path of a renamed file and "" otherwise.
func renamedFrom(fd *diff.FileDiff) string {
	if fd.OrigName == "" || fd.OrigName == "/dev/null" || fd.NewName == "" || fd.NewName == "/dev/null" {
		return ""
	}
	orig := strings.TrimPrefix(fd.OrigName, "a/")
	if orig == fileName(fd) {
		return ""
	}
	return orig
}

func fileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	if name == "/dev/null" {
		return ""
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}
