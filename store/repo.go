package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"

	densitybench "github.com/n0madic/go-density-bench"
)

// Preprocess names a dataset variant stored under its own folder.
type Preprocess string

const (
	PreprocessRaw          Preprocess = "raw"
	PreprocessOneHot       Preprocess = "onehot"
	PreprocessStandardized Preprocess = "standardized"
	PreprocessRobust       Preprocess = "robust"
	PreprocessWhitened     Preprocess = "whitened"
)

// Valid reports whether p is one of the known variants.
func (p Preprocess) Valid() bool {
	switch p {
	case PreprocessRaw, PreprocessOneHot, PreprocessStandardized, PreprocessRobust, PreprocessWhitened:
		return true
	}
	return false
}

const (
	dataExt    = ".msgpack"
	samplesDir = "samples"
	fileMode   = 0o644
	folderMode = 0o755
)

// Dataset is a regression design with its target. Categorical flags the
// columns of X; non-categorical columns come first.
type Dataset struct {
	X           [][]float64 `msgpack:"x"`
	Y           []float64   `msgpack:"y"`
	Categorical []bool      `msgpack:"categorical"`
	Columns     []string    `msgpack:"columns"`
}

// Matrix returns X as a dense matrix.
func (d Dataset) Matrix() *mat.Dense {
	if len(d.X) == 0 {
		return nil
	}
	out := mat.NewDense(len(d.X), len(d.X[0]), nil)
	for i, row := range d.X {
		out.SetRow(i, row)
	}
	return out
}

// NumNonCategorical counts the columns not flagged categorical.
func (d Dataset) NumNonCategorical() int {
	n := 0
	for _, c := range d.Categorical {
		if !c {
			n++
		}
	}
	if len(d.Categorical) == 0 && len(d.X) > 0 {
		return len(d.X[0])
	}
	return n
}

// Validate checks the shapes of the dataset.
func (d Dataset) Validate() error {
	if len(d.X) == 0 {
		return errors.Wrap(densitybench.ErrPrecondition, "dataset has no rows")
	}
	if len(d.Y) != len(d.X) {
		return errors.Wrapf(densitybench.ErrPrecondition, "dataset has %d rows and %d targets", len(d.X), len(d.Y))
	}
	cols := len(d.X[0])
	for i, row := range d.X {
		if len(row) != cols {
			return errors.Wrapf(densitybench.ErrPrecondition, "row %d has %d columns, want %d", i, len(row), cols)
		}
	}
	if len(d.Categorical) != 0 && len(d.Categorical) != cols {
		return errors.Wrapf(densitybench.ErrPrecondition, "%d categorical flags for %d columns", len(d.Categorical), cols)
	}
	return nil
}

// Samples are posterior draws, one column of draws per parameter name.
type Samples struct {
	Names  []string    `msgpack:"names"`
	Values [][]float64 `msgpack:"values"`
}

// Len is the number of draws per name.
func (s Samples) Len() int {
	if len(s.Values) == 0 {
		return 0
	}
	return len(s.Values[0])
}

// Matrix lays out the draws as an N x P chain, one column per name.
func (s Samples) Matrix() *mat.Dense {
	if len(s.Values) == 0 || len(s.Values[0]) == 0 {
		return nil
	}
	n := len(s.Values[0])
	out := mat.NewDense(n, len(s.Values), nil)
	for j, col := range s.Values {
		out.SetCol(j, col)
	}
	return out
}

// Repo is the dataset repository rooted at Root: one folder per
// preprocessing variant plus a samples folder.
type Repo struct {
	Root string
}

func (r Repo) folder(pre Preprocess) string {
	return filepath.Join(r.Root, string(pre))
}

func (r Repo) datasetPath(id string, pre Preprocess) string {
	return filepath.Join(r.folder(pre), id+dataExt)
}

func (r Repo) samplesPath(model, id string) string {
	return filepath.Join(r.Root, samplesDir, id+"_"+model+dataExt)
}

// DatasetIDs lists the dataset ids stored for pre in sorted order.
func (r Repo) DatasetIDs(pre Preprocess) ([]string, error) {
	if !pre.Valid() {
		return nil, errors.Wrapf(densitybench.ErrPrecondition, "unknown preprocessing %q", pre)
	}
	entries, err := os.ReadDir(r.folder(pre))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s datasets", pre)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), dataExt) {
			ids = append(ids, strings.TrimSuffix(e.Name(), dataExt))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadDataset loads dataset id in variant pre.
func (r Repo) ReadDataset(id string, pre Preprocess) (Dataset, error) {
	var d Dataset
	if err := r.readFile(r.datasetPath(id, pre), &d); err != nil {
		return Dataset{}, err
	}
	if err := d.Validate(); err != nil {
		return Dataset{}, errors.Wrapf(err, "dataset %s/%s", pre, id)
	}
	return d, nil
}

// WriteDataset stores d as dataset id in variant pre, replacing any
// previous file.
func (r Repo) WriteDataset(id string, pre Preprocess, d Dataset) error {
	if !pre.Valid() {
		return errors.Wrapf(densitybench.ErrPrecondition, "unknown preprocessing %q", pre)
	}
	if !IsSafeName(id) {
		return errors.Wrapf(densitybench.ErrPrecondition, "unsafe dataset id %q", id)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	return r.writeFile(r.datasetPath(id, pre), d, true)
}

// SamplesExist reports whether samples of model on dataset id are stored.
func (r Repo) SamplesExist(model, id string) bool {
	_, err := os.Stat(r.samplesPath(model, id))
	return err == nil
}

// WriteSamples stores the posterior samples of model on dataset id. With
// overwrite false an existing file is an error and is left untouched.
func (r Repo) WriteSamples(s Samples, model, id string, overwrite bool) error {
	if !IsSafeName(id + "_" + model) {
		return errors.Wrapf(densitybench.ErrPrecondition, "unsafe samples name %s_%s", id, model)
	}
	if len(s.Names) != len(s.Values) {
		return errors.Wrapf(densitybench.ErrPrecondition, "%d names for %d sample columns", len(s.Names), len(s.Values))
	}
	return r.writeFile(r.samplesPath(model, id), s, overwrite)
}

// ReadSamples loads the posterior samples of model on dataset id.
func (r Repo) ReadSamples(model, id string) (Samples, error) {
	var s Samples
	err := r.readFile(r.samplesPath(model, id), &s)
	return s, err
}

func (r Repo) readFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return errors.Wrapf(densitybench.ErrPrecondition, "decode %s: %v", path, err)
	}
	return nil
}

func (r Repo) writeFile(path string, v interface{}, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(path), folderMode); err != nil {
		return errors.Wrapf(err, "create folder for %s", path)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, fileMode)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	// A partial file would read as a finished task, so it never survives.
	if err := msgpack.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrapf(err, "encode %s", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return errors.Wrapf(err, "close %s", path)
	}
	return nil
}
