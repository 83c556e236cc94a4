package imageprocessor

import (
	"image"
	"math"
)

const (
	cannyLow  = 50
	cannyHigh = 150

	tan22_5 = 0.4142135623730951
	tan67_5 = 2.414213562373095
)

// FeatureSet summarises the external contours found in an edge map.
type FeatureSet struct {
	ContourCount   int     `json:"num_contours"`
	TotalArea      float64 `json:"total_area"`
	MaxContourArea float64 `json:"max_contour_area"`
}

// DetectGlacialFeatures runs Canny edge detection, extracts external contours
// and returns a copy of img with the contours drawn, together with their
// aggregate statistics.
func DetectGlacialFeatures(img *Image) (*Image, FeatureSet) {
	gray := Luminance(img)
	edges := canny(gray, cannyLow, cannyHigh)
	contours := findExternalContours(edges, gray.Width, gray.Height)

	var fs FeatureSet
	fs.ContourCount = len(contours)
	for _, c := range contours {
		a := contourArea(c)
		fs.TotalArea += a
		if a > fs.MaxContourArea {
			fs.MaxContourArea = a
		}
	}

	annotated := img.Clone()
	drawContours(annotated, contours)
	return annotated, fs
}

// canny returns an edge mask using Sobel gradients with the L1 norm,
// non-maximum suppression and hysteresis thresholding.
func canny(src *Image, low, high float64) []bool {
	w, h := src.Width, src.Height
	gx := make([]float64, w*h)
	gy := make([]float64, w*h)
	mag := make([]float64, w*h)
	at := func(x, y int) float64 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return float64(src.Pix[y*w+x])
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := (at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1)) - (at(x-1, y-1) + 2*at(x-1, y) + at(x-1, y+1))
			dy := (at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)) - (at(x-1, y-1) + 2*at(x, y-1) + at(x+1, y-1))
			i := y*w + x
			gx[i], gy[i] = dx, dy
			mag[i] = math.Abs(dx) + math.Abs(dy)
		}
	}
	magAt := func(x, y int) float64 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag[y*w+x]
	}

	const (
		none = iota
		weak
		strong
	)
	state := make([]uint8, w*h)
	stack := make([]int, 0, 64)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			m := mag[i]
			if m <= low {
				continue
			}
			ax, ay := math.Abs(gx[i]), math.Abs(gy[i])
			var localMax bool
			switch {
			case ay <= ax*tan22_5:
				localMax = m > magAt(x-1, y) && m >= magAt(x+1, y)
			case ay >= ax*tan67_5:
				localMax = m > magAt(x, y-1) && m >= magAt(x, y+1)
			case gx[i]*gy[i] > 0:
				localMax = m > magAt(x-1, y-1) && m >= magAt(x+1, y+1)
			default:
				localMax = m > magAt(x+1, y-1) && m >= magAt(x-1, y+1)
			}
			if !localMax {
				continue
			}
			if m > high {
				state[i] = strong
				stack = append(stack, i)
			} else {
				state[i] = weak
			}
		}
	}

	edges := make([]bool, w*h)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if edges[i] {
			continue
		}
		edges[i] = true
		x, y := i%w, i/w
		for _, d := range neighbours8 {
			nx, ny := x+d.X, y+d.Y
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			j := ny*w + nx
			if !edges[j] && state[j] != none {
				stack = append(stack, j)
			}
		}
	}
	return edges
}

// neighbours8 lists the Moore neighbourhood clockwise (y grows downwards) starting east.
var neighbours8 = [8]image.Point{
	{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1},
}

var neighbours4 = [4]image.Point{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}

func neighbourIndex(d image.Point) int {
	for i, n := range neighbours8 {
		if n == d {
			return i
		}
	}
	return -1
}

// findExternalContours labels 8-connected edge components and traces the outer
// boundary of each component that is not enclosed by another one.
func findExternalContours(edges []bool, w, h int) [][]image.Point {
	labels := make([]int32, w*h)
	var seeds []image.Point
	queue := make([]int, 0, 64)
	for i, e := range edges {
		if !e || labels[i] != 0 {
			continue
		}
		label := int32(len(seeds) + 1)
		seeds = append(seeds, image.Point{X: i % w, Y: i / w})
		labels[i] = label
		queue = append(queue[:0], i)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			x, y := j%w, j/w
			for _, d := range neighbours8 {
				nx, ny := x+d.X, y+d.Y
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				k := ny*w + nx
				if edges[k] && labels[k] == 0 {
					labels[k] = label
					queue = append(queue, k)
				}
			}
		}
	}
	if len(seeds) == 0 {
		return nil
	}

	// Background reachable from the border through 4-connected non-edge pixels.
	outside := make([]bool, w*h)
	queue = queue[:0]
	push := func(x, y int) {
		k := y*w + x
		if !edges[k] && !outside[k] {
			outside[k] = true
			queue = append(queue, k)
		}
	}
	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}
	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]
		x, y := j%w, j/w
		for _, d := range neighbours4 {
			nx, ny := x+d.X, y+d.Y
			if nx >= 0 && ny >= 0 && nx < w && ny < h {
				push(nx, ny)
			}
		}
	}

	external := make([]bool, len(seeds)+1)
	for i, l := range labels {
		if l == 0 || external[l] {
			continue
		}
		x, y := i%w, i/w
		if x == 0 || y == 0 || x == w-1 || y == h-1 {
			external[l] = true
			continue
		}
		for _, d := range neighbours4 {
			if outside[(y+d.Y)*w+x+d.X] {
				external[l] = true
				break
			}
		}
	}

	var contours [][]image.Point
	for idx, seed := range seeds {
		label := int32(idx + 1)
		if !external[label] {
			continue
		}
		inComponent := func(p image.Point) bool {
			return p.X >= 0 && p.Y >= 0 && p.X < w && p.Y < h && labels[p.Y*w+p.X] == label
		}
		contours = append(contours, traceBoundary(inComponent, seed, 4*w*h+8))
	}
	return contours
}

// traceBoundary follows the outer boundary clockwise with Moore-neighbour
// tracing. start must be the first pixel of the component in raster order.
func traceBoundary(inside func(image.Point) bool, start image.Point, maxSteps int) []image.Point {
	points := []image.Point{start}
	cur := start
	back := start.Add(image.Point{X: -1})
	var first image.Point
	for step := 0; step < maxSteps; step++ {
		k := neighbourIndex(back.Sub(cur))
		prev := back
		next, found := cur, false
		for i := 1; i <= 8; i++ {
			p := cur.Add(neighbours8[(k+i)%8])
			if inside(p) {
				next, found = p, true
				break
			}
			prev = p
		}
		if !found {
			break
		}
		if step == 0 {
			first = next
		} else if cur == start && next == first {
			break
		}
		cur, back = next, prev
		points = append(points, cur)
	}
	if n := len(points); n > 1 && points[n-1] == start {
		points = points[:n-1]
	}
	return points
}

// contourArea is the absolute shoelace area of the closed polygon.
func contourArea(points []image.Point) float64 {
	if len(points) < 3 {
		return 0
	}
	var sum float64
	for i, p := range points {
		q := points[(i+1)%len(points)]
		sum += float64(p.X)*float64(q.Y) - float64(q.X)*float64(p.Y)
	}
	return math.Abs(sum) / 2
}

// drawContours marks contour pixels with a two pixel stroke: green on colour
// images, white on grey ones.
func drawContours(img *Image, contours [][]image.Point) {
	for _, c := range contours {
		for _, p := range c {
			for _, d := range [4]image.Point{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
				x, y := p.X+d.X, p.Y+d.Y
				if x >= img.Width || y >= img.Height {
					continue
				}
				i := img.offset(x, y)
				if img.Channels == 1 {
					img.Pix[i] = 255
					continue
				}
				img.Pix[i], img.Pix[i+1], img.Pix[i+2] = 0, 255, 0
				if img.Channels == 4 {
					img.Pix[i+3] = 255
				}
			}
		}
	}
}
