package store

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
)

// IsSafeName reports whether name consists only of letters, digits and the
// separators "_-.".
func IsSafeName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

// BuildOutputName joins a chain and model name into an output file name,
// e.g. "chain7_MoG.gob".
func BuildOutputName(chain, model, ext string) (string, error) {
	name := chain + "_" + model + ext
	if !IsSafeName(name) {
		return "", errors.Wrapf(densitybench.ErrPrecondition, "unsafe output name %q", name)
	}
	return name, nil
}

// ListChains returns the sorted names, without extension, of the files in
// dir ending in ext whose size is at most limit bytes. A negative limit
// disables the size filter.
func ListChains(dir, ext string, limit int64) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	var chains []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", e.Name())
		}
		if limit >= 0 && info.Size() > limit {
			continue
		}
		chains = append(chains, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(chains)
	return chains, nil
}

// LoadChainCSV reads dir/name+ext as a headerless comma separated matrix.
// Every field must parse as a float and rows must have equal length.
func LoadChainCSV(dir, name, ext string) (*mat.Dense, error) {
	path := filepath.Join(dir, name+ext)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "parse %s: %v", path, err)
	}
	if len(records) == 0 {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "%s is empty", path)
	}
	cols := len(records[0])
	data := make([]float64, 0, len(records)*cols)
	for i, rec := range records {
		for j, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, errors.Wrapf(densitybench.ErrPrecondition, "%s line %d column %d: %v", path, i+1, j+1, err)
			}
			data = append(data, v)
		}
	}
	return mat.NewDense(len(records), cols, data), nil
}

// WriteChainCSV writes X to dir/name+ext. The file must not exist yet.
func WriteChainCSV(dir, name, ext string, X mat.Matrix) error {
	path := filepath.Join(dir, name+ext)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	w := csv.NewWriter(f)
	n, d := X.Dims()
	row := make([]string, d)
	for i := 0; i < n; i++ {
		for j := range row {
			row[j] = strconv.FormatFloat(X.At(i, j), 'g', -1, 64)
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return errors.Wrapf(err, "write %s", path)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return errors.Wrapf(err, "flush %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
