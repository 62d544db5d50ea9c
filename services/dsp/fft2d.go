package dsp

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FFT2D is a batched, unnormalized forward 2D transform over row-major
// rows x cols planes. Planes are spread across workers, each with its own
// plans and scratch space.
type FFT2D struct {
	rows, cols int
	workers    []*fftWorker
}

type fftWorker struct {
	rowPlan *fourier.CmplxFFT
	colPlan *fourier.CmplxFFT
	in      []complex128
	out     []complex128
}

func NewFFT2D(rows, cols, workers int) *FFT2D {
	if workers < 1 {
		workers = 1
	}
	n := max(rows, cols)
	f := &FFT2D{rows: rows, cols: cols, workers: make([]*fftWorker, workers)}
	for i := range f.workers {
		f.workers[i] = &fftWorker{
			rowPlan: fourier.NewCmplxFFT(cols),
			colPlan: fourier.NewCmplxFFT(rows),
			in:      make([]complex128, n),
			out:     make([]complex128, n),
		}
	}
	return f
}

// Transform replaces every plane with its 2D spectrum.
func (f *FFT2D) Transform(planes [][]complex128) {
	if len(f.workers) == 1 || len(planes) == 1 {
		for _, p := range planes {
			f.workers[0].transform(p, f.rows, f.cols)
		}
		return
	}
	var wg sync.WaitGroup
	for w, worker := range f.workers {
		wg.Add(1)
		go func(w int, worker *fftWorker) {
			defer wg.Done()
			for i := w; i < len(planes); i += len(f.workers) {
				worker.transform(planes[i], f.rows, f.cols)
			}
		}(w, worker)
	}
	wg.Wait()
}

func (w *fftWorker) transform(p []complex128, rows, cols int) {
	in, out := w.in[:cols], w.out[:cols]
	for r := 0; r < rows; r++ {
		row := p[r*cols : (r+1)*cols]
		copy(in, row)
		w.rowPlan.Coefficients(out, in)
		copy(row, out)
	}

	in, out = w.in[:rows], w.out[:rows]
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			in[r] = p[r*cols+c]
		}
		w.colPlan.Coefficients(out, in)
		for r := 0; r < rows; r++ {
			p[r*cols+c] = out[r]
		}
	}
}
