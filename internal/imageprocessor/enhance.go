package imageprocessor

import "math"

const (
	claheTiles     = 8
	claheClipLimit = 2.0
)

// Enhance converts to luminance, applies tile based contrast limited
// histogram equalisation and a 3x3 Gaussian pass to damp the noise the
// equalisation amplifies. The result always has one channel and the input's
// spatial size.
func Enhance(img *Image) *Image {
	gray := Luminance(img)
	equalized := clahe(gray, claheTiles, claheTiles, claheClipLimit)
	return gaussianBlur3(equalized)
}

func clahe(src *Image, tilesX, tilesY int, clipLimit float64) *Image {
	w, h := src.Width, src.Height
	tilesX = min(tilesX, w)
	tilesY = min(tilesY, h)
	tileW := (w + tilesX - 1) / tilesX
	tileH := (h + tilesY - 1) / tilesY
	tilesX = (w + tileW - 1) / tileW
	tilesY = (h + tileH - 1) / tileH

	luts := make([][256]uint8, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := min(x0+tileW, w), min(y0+tileH, h)
			luts[ty*tilesX+tx] = tileLUT(src, x0, y0, x1, y1, clipLimit)
		}
	}

	out := &Image{Width: w, Height: h, Channels: 1, Pix: make([]uint8, w*h)}
	invTW, invTH := 1/float64(tileW), 1/float64(tileH)
	for y := 0; y < h; y++ {
		tyf := float64(y)*invTH - 0.5
		ty1 := int(math.Floor(tyf))
		ty2 := ty1 + 1
		ya := tyf - float64(ty1)
		ty1 = max(ty1, 0)
		ty2 = min(ty2, tilesY-1)
		for x := 0; x < w; x++ {
			txf := float64(x)*invTW - 0.5
			tx1 := int(math.Floor(txf))
			tx2 := tx1 + 1
			xa := txf - float64(tx1)
			tx1 = max(tx1, 0)
			tx2 = min(tx2, tilesX-1)

			v := src.Pix[y*w+x]
			top := float64(luts[ty1*tilesX+tx1][v])*(1-xa) + float64(luts[ty1*tilesX+tx2][v])*xa
			bottom := float64(luts[ty2*tilesX+tx1][v])*(1-xa) + float64(luts[ty2*tilesX+tx2][v])*xa
			out.Pix[y*w+x] = clampUint8(math.Round(top*(1-ya) + bottom*ya))
		}
	}
	return out
}

// tileLUT builds the clipped equalisation mapping for one tile.
func tileLUT(src *Image, x0, y0, x1, y1 int, clipLimit float64) [256]uint8 {
	var hist [256]int
	for y := y0; y < y1; y++ {
		row := src.Pix[y*src.Width : y*src.Width+src.Width]
		for x := x0; x < x1; x++ {
			hist[row[x]]++
		}
	}
	area := (x1 - x0) * (y1 - y0)

	limit := max(int(clipLimit*float64(area)/256), 1)
	clipped := 0
	for i := range hist {
		if hist[i] > limit {
			clipped += hist[i] - limit
			hist[i] = limit
		}
	}
	batch := clipped / 256
	residual := clipped - batch*256
	for i := range hist {
		hist[i] += batch
	}
	if residual > 0 {
		step := max(256/residual, 1)
		for i := 0; i < 256 && residual > 0; i += step {
			hist[i]++
			residual--
		}
	}

	var lut [256]uint8
	scale := 255 / float64(area)
	sum := 0
	for i := range hist {
		sum += hist[i]
		lut[i] = clampUint8(math.Round(float64(sum) * scale))
	}
	return lut
}

// gaussianBlur3 applies the separable [1 2 1]/4 kernel with reflect-101 borders.
func gaussianBlur3(src *Image) *Image {
	w, h := src.Width, src.Height
	tmp := make([]int, w*h)
	for y := 0; y < h; y++ {
		row := src.Pix[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			tmp[y*w+x] = int(row[reflect101(x-1, w)]) + 2*int(row[x]) + int(row[reflect101(x+1, w)])
		}
	}
	out := &Image{Width: w, Height: h, Channels: 1, Pix: make([]uint8, w*h)}
	for y := 0; y < h; y++ {
		up, down := reflect101(y-1, h), reflect101(y+1, h)
		for x := 0; x < w; x++ {
			s := tmp[up*w+x] + 2*tmp[y*w+x] + tmp[down*w+x]
			out.Pix[y*w+x] = uint8((s + 8) >> 4)
		}
	}
	return out
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*n - 2 - i
	}
	return i
}
