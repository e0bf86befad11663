package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileRemovesPartialOutput(t *testing.T) {
	r := Repo{Root: t.TempDir()}
	path := r.samplesPath("ls_linear", "ds1")

	tests := []struct {
		name      string
		overwrite bool
	}{
		{"exclusive", false},
		{"overwrite", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.writeFile(path, make(chan int), tt.overwrite)
			require.Error(t, err)
			_, statErr := os.Stat(path)
			assert.True(t, os.IsNotExist(statErr))
			assert.False(t, r.SamplesExist("ls_linear", "ds1"))
		})
	}

	s := Samples{Names: []string{"a"}, Values: [][]float64{{1, 2}}}
	require.NoError(t, r.WriteSamples(s, "ls_linear", "ds1", false), "a failed write does not block the retry")
	assert.True(t, r.SamplesExist("ls_linear", "ds1"))
}
