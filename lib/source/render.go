package source

import (
	"image"

	"golang.org/x/image/draw"
)

// Render draws the most recent frame into dst with its top-left corner at
// at, scaled to the source's width and height. Frames are premultiplied,
// so "over" composition matches the host's one/inverse-source-alpha blend.
// Without a frame nothing is drawn.
func (s *Source) Render(dst draw.Image, at image.Point) {
	f := s.frame.Load()
	if f == nil || f.Image == nil {
		return
	}
	s.mu.Lock()
	w, h := s.cfg.Width, s.cfg.Height
	s.mu.Unlock()

	src := f.Image
	r := image.Rectangle{Min: at, Max: at.Add(image.Pt(w, h))}
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		draw.Draw(dst, r, src, src.Bounds().Min, draw.Over)
		return
	}
	draw.BiLinear.Scale(dst, r, src, src.Bounds(), draw.Over, nil)
}
