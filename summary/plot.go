package summary

import (
	"image/color"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var palette = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 255, G: 127, B: 14, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
	color.RGBA{R: 148, G: 103, B: 189, A: 255},
}

// PlotCurves renders one line per tag of history into a PNG at path. Tags
// with no points are skipped; an error is returned if none is left.
func PlotCurves(path, title string, history map[string][]Point, tags ...string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "value"
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	drawn := 0
	for _, tag := range tags {
		pts := history[tag]
		if len(pts) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(pts))
		for i, pt := range pts {
			xys[i] = plotter.XY{X: float64(pt.Step), Y: pt.Value}
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "line for %s", tag)
		}
		line.Color = palette[drawn%len(palette)]
		line.Width = vg.Points(1.2)
		p.Add(line)
		p.Legend.Add(tag, line)
		drawn++
	}
	if drawn == 0 {
		return errors.New("summary: nothing to plot")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create plot dir")
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrap(err, "save plot")
	}
	return nil
}
