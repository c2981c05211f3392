package engine

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"
)

const (
	channels = 3
	// below this many pixels the goroutine fan-out costs more than it saves
	parallelThreshold = 128 * 128
)

var wideVectors = cpu.X86.HasAVX2 || cpu.X86.HasAVX512 || cpu.ARM64.HasASIMD

// Preprocessor converts interleaved 8-bit pixels into planar RGB floats
// normalized to [0,1], the layout of a [1,3,H,W] input tensor.
type Preprocessor struct {
	width, height int
	numWorkers    int
	parallel      bool
}

func NewPreprocessor(width, height int) *Preprocessor {
	workers := runtime.GOMAXPROCS(0)
	return &Preprocessor{
		width:      width,
		height:     height,
		numWorkers: workers,
		parallel:   wideVectors && workers > 1 && width*height >= parallelThreshold,
	}
}

func (p *Preprocessor) Size() int { return p.width * p.height * channels }

// Fill writes img into dst. img must be exactly width x height and dst must
// hold Size() floats.
func (p *Preprocessor) Fill(dst []float32, img image.Image) error {
	b := img.Bounds()
	if b.Dx() != p.width || b.Dy() != p.height || len(dst) != p.Size() {
		return fmt.Errorf("%w: image %dx%d, buffer %d, want %dx%d",
			ErrFrameSize, b.Dx(), b.Dy(), len(dst), p.width, p.height)
	}

	row := p.rowFunc(img, dst)
	if !p.parallel {
		for y := 0; y < p.height; y++ {
			row(y)
		}
		return nil
	}

	rowsPerWorker := (p.height + p.numWorkers - 1) / p.numWorkers
	var wg sync.WaitGroup
	for start := 0; start < p.height; start += rowsPerWorker {
		end := min(start+rowsPerWorker, p.height)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				row(y)
			}
		}(start, end)
	}
	wg.Wait()
	return nil
}

func (p *Preprocessor) rowFunc(img image.Image, dst []float32) func(y int) {
	channelSize := p.width * p.height
	r, g, bl := dst[:channelSize], dst[channelSize:2*channelSize], dst[2*channelSize:]

	var pix []uint8
	var stride int
	origin := img.Bounds().Min
	switch src := img.(type) {
	case *image.NRGBA:
		pix, stride = src.Pix[src.PixOffset(origin.X, origin.Y):], src.Stride
	case *image.RGBA:
		// opaque camera frames; premultiplication is a no-op there
		pix, stride = src.Pix[src.PixOffset(origin.X, origin.Y):], src.Stride
	}

	if pix != nil {
		return func(y int) {
			line := pix[y*stride:]
			offset := y * p.width
			for x := 0; x < p.width; x++ {
				i := offset + x
				r[i] = float32(line[x*4]) / 255.0
				g[i] = float32(line[x*4+1]) / 255.0
				bl[i] = float32(line[x*4+2]) / 255.0
			}
		}
	}

	return func(y int) {
		offset := y * p.width
		for x := 0; x < p.width; x++ {
			i := offset + x
			cr, cg, cb, _ := img.At(origin.X+x, origin.Y+y).RGBA()
			r[i] = float32(cr>>8) / 255.0
			g[i] = float32(cg>>8) / 255.0
			bl[i] = float32(cb>>8) / 255.0
		}
	}
}
