package datasets

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/xraytrain/tfrecord"
)

// Glob resolves pattern into a sorted list of regular files.
func Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to glob pattern %s", pattern)
	}
	files := matches[:0]
	var size int64
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || fi.IsDir() {
			continue
		}
		size += fi.Size()
		files = append(files, m)
	}
	if len(files) == 0 {
		return nil, errors.Wrapf(ErrNoFiles, "pattern %s", pattern)
	}
	sort.Strings(files)
	klog.V(1).Infof("pattern %s: %d files, %s", pattern, len(files), humanize.Bytes(uint64(size)))
	return files, nil
}

// CountRecords counts the records across files.
func CountRecords(files []string) (int, error) {
	total := 0
	for _, f := range files {
		n, err := tfrecord.Count(f)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
