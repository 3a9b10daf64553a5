package main

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/xraytrain/datasets"
	"github.com/Noofbiz/xraytrain/tfrecord"
)

var packOpts struct {
	out    string
	prefix string
	shards int
	seed   int64
}

var packCmd = &cobra.Command{
	Use:   "pack <image-dir>",
	Short: "Build TFRecord shards from a <label>/<image> directory tree",
	Long: `pack reads <image-dir>/<label>/*.{jpg,jpeg,png} and writes the images as
tf.train.Example records spread over --shards files. Numeric directory names
are used as labels; otherwise labels follow the sorted directory order.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := packImages(args[0], packOpts.out, packOpts.prefix, packOpts.shards, packOpts.seed)
		if err != nil {
			return err
		}
		fmt.Printf("packed %s images (%s) in %d classes into %d shards, skipped %d\n",
			humanize.Comma(int64(st.images)), humanize.Bytes(st.bytes), len(st.labels), len(st.files), st.skipped)
		for name, label := range st.labels {
			klog.V(1).Infof("class %q -> label %d", name, label)
		}
		return nil
	},
}

func initPack() {
	rootCmd.AddCommand(packCmd)
	f := packCmd.Flags()
	f.StringVarP(&packOpts.out, "output", "o", "./xray", "output directory")
	f.StringVar(&packOpts.prefix, "prefix", "train", "shard file name prefix")
	f.IntVar(&packOpts.shards, "shards", 4, "number of shard files")
	f.Int64Var(&packOpts.seed, "seed", 1, "seed used to spread images over shards")
}

type packStats struct {
	images  int
	skipped int
	bytes   uint64
	labels  map[string]int
	files   []string
}

type packEntry struct {
	path  string
	label int
}

// classLabels maps class directory names to labels.
func classLabels(names []string) map[string]int {
	labels := make(map[string]int, len(names))
	numeric := true
	for _, n := range names {
		v, err := strconv.Atoi(n)
		if err != nil || v < 0 {
			numeric = false
			break
		}
		labels[n] = v
	}
	if numeric {
		return labels
	}
	sort.Strings(names)
	for i, n := range names {
		labels[n] = i
	}
	return labels
}

func packImages(root, outDir, prefix string, shards int, seed int64) (*packStats, error) {
	if shards <= 0 {
		return nil, errors.Errorf("shards must be > 0 (got %d)", shards)
	}
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "read image dir")
	}
	var classes []string
	for _, d := range dirs {
		if d.IsDir() {
			classes = append(classes, d.Name())
		}
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("%s has no class directories", root)
	}
	st := &packStats{labels: classLabels(classes)}

	var entries []packEntry
	for _, class := range classes {
		files, err := os.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, errors.Wrapf(err, "read class %s", class)
		}
		for _, f := range files {
			switch strings.ToLower(filepath.Ext(f.Name())) {
			case ".jpg", ".jpeg", ".png":
				entries = append(entries, packEntry{path: filepath.Join(root, class, f.Name()), label: st.labels[class]})
			}
		}
	}
	if len(entries) == 0 {
		return nil, errors.Wrapf(datasets.ErrNoFiles, "no images under %s", root)
	}
	rand.New(rand.NewSource(seed)).Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output dir")
	}
	writers := make([]*tfrecord.Writer, shards)
	handles := make([]*os.File, shards)
	defer func() {
		for _, h := range handles {
			if h != nil {
				h.Close()
			}
		}
	}()
	for i := range writers {
		path := filepath.Join(outDir, fmt.Sprintf("%s-%05d-of-%05d", prefix, i, shards))
		h, err := os.Create(path)
		if err != nil {
			return nil, errors.Wrap(err, "create shard")
		}
		handles[i] = h
		writers[i] = tfrecord.NewWriter(h)
		st.files = append(st.files, path)
	}

	for _, e := range entries {
		raw, err := os.ReadFile(e.path)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", e.path)
		}
		if _, _, err := image.DecodeConfig(bytes.NewReader(raw)); err != nil {
			klog.Warningf("skipping %s: %v", e.path, err)
			st.skipped++
			continue
		}
		ex := tfrecord.NewExample()
		ex.SetBytes(datasets.ImageKey, raw)
		ex.SetInt64(datasets.LabelKey, int64(e.label))
		if err := writers[st.images%shards].Write(ex.Marshal()); err != nil {
			return nil, errors.Wrapf(err, "write %s", e.path)
		}
		st.images++
		st.bytes += uint64(len(raw))
	}

	for i, h := range handles {
		handles[i] = nil
		if err := h.Close(); err != nil {
			return nil, errors.Wrap(err, "close shard")
		}
	}
	return st, nil
}
