package artifact

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// Array is a decoded prediction or target array. Vectors have Cols == 1.
// Data is row-major.
type Array struct {
	Data []float64
	Rows int
	Cols int
}

// Len returns the number of rows (samples).
func (a *Array) Len() int { return a.Rows }

// SizeBytes is the in-memory footprint of the decoded values.
func (a *Array) SizeBytes() int64 { return int64(len(a.Data)) * 8 }

// At returns the value at (row, col).
func (a *Array) At(row, col int) float64 { return a.Data[row*a.Cols+col] }

// ReadArray decodes a .npy (or .npy.gz) file. Values are widened to float64
// and then quantized to the requested precision (16, 32, 64 or 128 bit
// targets; 64 and 128 keep the full float64 value).
func ReadArray(path string, precision int) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".npy.gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("artifact: gunzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(path, ".npy"):
	default:
		return nil, fmt.Errorf("artifact: unknown file type %s", path)
	}

	arr, err := decodeNpy(r)
	if err != nil {
		return nil, fmt.Errorf("artifact: decode %s: %w", path, err)
	}
	quantize(arr.Data, precision)
	return arr, nil
}

func decodeNpy(r io.Reader) (*Array, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, err
	}

	shape := nr.Header.Descr.Shape
	rows, cols := 0, 1
	switch len(shape) {
	case 1:
		rows = shape[0]
	case 2:
		rows, cols = shape[0], shape[1]
	default:
		return nil, fmt.Errorf("unsupported rank %d", len(shape))
	}
	if nr.Header.Descr.Fortran {
		return nil, fmt.Errorf("fortran order not supported")
	}

	n := rows * cols
	data := make([]float64, n)
	switch nr.Header.Descr.Type {
	case "<f8", "|f8", "=f8":
		if err := nr.Read(&data); err != nil {
			return nil, err
		}
	case "<f4", "|f4", "=f4":
		f32 := make([]float32, n)
		if err := nr.Read(&f32); err != nil {
			return nil, err
		}
		for i, v := range f32 {
			data[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", nr.Header.Descr.Type)
	}
	return &Array{Data: data, Rows: rows, Cols: cols}, nil
}

// quantize truncates values to the decode precision. 16 and 32 bit targets
// round-trip through float32; wider targets are left untouched.
func quantize(data []float64, precision int) {
	switch precision {
	case 16, 32:
		for i, v := range data {
			data[i] = float64(float32(v))
		}
	}
}

// WriteArray encodes an array as .npy (gzipped when the path ends in .gz).
func WriteArray(path string, a *Array) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("artifact: create %s: %w", path, err)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if a.Cols <= 1 {
		err = npyio.Write(w, a.Data)
	} else {
		err = npyio.Write(w, mat.NewDense(a.Rows, a.Cols, a.Data))
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("artifact: encode %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			_ = f.Close()
			return fmt.Errorf("artifact: gzip %s: %w", path, err)
		}
	}
	return f.Close()
}
