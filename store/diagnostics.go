package store

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// DiagnosticsFile is the name of the diagnostics stream inside a phase 1
// output folder.
const DiagnosticsFile = "diagnostics.msgpack"

// ChainDiagnostic summarizes one sampled chain. MaxScale is the largest
// Fisher information scale of the posterior, when the sampler reports it.
type ChainDiagnostic struct {
	Name     string             `msgpack:"name"`
	MaxScale *float64           `msgpack:"max_scale,omitempty"`
	ESS      map[string]float64 `msgpack:"ess,omitempty"`
	N        int                `msgpack:"n"`
}

// AppendDiagnostic adds d to the end of the stream at path, creating it if
// needed. Diagnostics are appended as chains finish.
func AppendDiagnostic(path string, d ChainDiagnostic) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, fileMode)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	if err := msgpack.NewEncoder(f).Encode(&d); err != nil {
		f.Close()
		return errors.Wrapf(err, "append to %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}

// ReadDiagnostics reads every diagnostic in the stream at path.
func ReadDiagnostics(path string) ([]ChainDiagnostic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	dec := msgpack.NewDecoder(f)
	var out []ChainDiagnostic
	for {
		var d ChainDiagnostic
		err := dec.Decode(&d)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s entry %d", path, len(out))
		}
		out = append(out, d)
	}
}

// FisherInfo returns the max_scale of chain from the stream at path. ok is
// false if the chain is absent or reports no scale.
func FisherInfo(path, chain string) (scale float64, ok bool, err error) {
	all, err := ReadDiagnostics(path)
	if err != nil {
		return 0, false, err
	}
	for _, d := range all {
		if d.Name == chain {
			if d.MaxScale == nil {
				return 0, false, nil
			}
			return *d.MaxScale, true, nil
		}
	}
	return 0, false, nil
}
