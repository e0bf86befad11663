// Package store reads and writes the files exchanged between the pipeline
// phases: fitted params records, MCMC chain CSVs, the dataset repository
// with its posterior samples, and the chain diagnostics stream.
package store

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"

	densitybench "github.com/n0madic/go-density-bench"
	"github.com/n0madic/go-density-bench/params"
)

const recordVersion = 1

// recordFile is the on-disk layout of a params record.
type recordFile struct {
	Version   int
	ModelName string
	Dim       int
	Params    params.ModelParams
}

// SaveRecord writes rec to path. The file must not exist yet, so that
// concurrent workers never share an output.
func SaveRecord(path string, rec params.Record) error {
	if err := rec.Validate(); err != nil {
		return errors.Wrapf(err, "record for %s", path)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	enc := gob.NewEncoder(f)
	if err := enc.Encode(recordFile{
		Version:   recordVersion,
		ModelName: rec.ModelName,
		Dim:       rec.Dim,
		Params:    rec.Params,
	}); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrapf(err, "encode %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}

// LoadRecord reads a params record and re-validates it.
func LoadRecord(path string) (params.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return params.Record{}, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var rf recordFile
	if err := gob.NewDecoder(f).Decode(&rf); err != nil {
		return params.Record{}, errors.Wrapf(densitybench.ErrPrecondition, "decode %s: %v", path, err)
	}
	if rf.Version != recordVersion {
		return params.Record{}, errors.Wrapf(densitybench.ErrPrecondition, "%s has unsupported version %d", path, rf.Version)
	}
	rec := params.Record{ModelName: rf.ModelName, Dim: rf.Dim, Params: rf.Params}
	if err := rec.Validate(); err != nil {
		return params.Record{}, errors.Wrapf(err, "record %s", path)
	}
	return rec, nil
}

// RecordExists reports whether a record file is already present at path.
func RecordExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
