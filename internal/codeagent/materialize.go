package codeagent

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"taskweave/internal/logging"
)

// tmpSrcRe matches src="/tmp/..." references in a final answer.
var tmpSrcRe = regexp.MustCompile(`src="(/tmp/[^"]+)"`)

// materializeAnswer rewrites every src="/tmp/..." reference by moving the
// file into the stable static directory and pointing the reference there.
// Files that cannot be moved keep their original reference; the answer is
// still returned.
func (a *Agent) materializeAnswer(answer string) (string, error) {
	if answer == "" || !tmpSrcRe.MatchString(answer) {
		return answer, nil
	}

	out := tmpSrcRe.ReplaceAllStringFunc(answer, func(match string) string {
		src := tmpSrcRe.FindStringSubmatch(match)[1]
		dest, err := a.moveToStatic(src)
		if err != nil {
			logging.Get(logging.CategoryPlanner).Warn("could not materialize %s: %v", src, err)
			return match
		}
		return fmt.Sprintf("src=%q", dest)
	})
	return out, nil
}

// moveToStatic relocates a temp file under the static directory with a
// collision-free name and returns the new reference path.
func (a *Agent) moveToStatic(src string) (string, error) {
	if err := os.MkdirAll(a.StaticDir, 0755); err != nil {
		return "", err
	}
	name := uuid.NewString() + filepath.Ext(src)
	dest := filepath.Join(a.StaticDir, name)

	if err := os.Rename(src, dest); err != nil {
		// Rename fails across filesystems; fall back to copy+remove.
		if cerr := copyFile(src, dest); cerr != nil {
			return "", cerr
		}
		os.Remove(src)
	}
	logging.Planner("materialized %s -> %s", src, dest)
	return "/" + filepath.ToSlash(dest), nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
