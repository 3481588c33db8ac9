package scoring

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	// Screenshot payloads are PNG or JPEG.
	_ "image/jpeg"
	_ "image/png"

	"gonum.org/v1/gonum/stat"
)

// ErrDecode indicates that an image payload could not be decoded.
// Callers treat this as a hard failure of the analysis attempt.
var ErrDecode = errors.New("invalid image payload")

const (
	// ssimWindow is the side length of the SSIM comparison window.
	ssimWindow = 8

	// Stabilizing constants for an 8-bit dynamic range.
	ssimC1 = (0.01 * 255) * (0.01 * 255)
	ssimC2 = (0.03 * 255) * (0.03 * 255)
)

// CompareImages decodes both payloads as raster images and returns the
// mean structural similarity index over all color channels, in [0, 1]
// for non-pathological inputs. Higher means more visually identical.
// Images of different dimensions are compared over the overlapping
// region.
func CompareImages(baseline, candidate []byte) (float64, error) {
	base, err := decodeImage(baseline)
	if err != nil {
		return 0, err
	}

	mine, err := decodeImage(candidate)
	if err != nil {
		return 0, err
	}

	width := min(base.Bounds().Dx(), mine.Bounds().Dx())
	height := min(base.Bounds().Dy(), mine.Bounds().Dy())

	if width == 0 || height == 0 {
		return 0, fmt.Errorf("%w: empty image", ErrDecode)
	}

	var sum float64

	channels := 0

	for channel := 0; channel < 3; channel++ {
		sum += channelSSIM(base, mine, channel, width, height)
		channels++
	}

	return sum / float64(channels), nil
}

// CompareBase64Images is the wire-format variant of CompareImages:
// Trillian callbacks carry screenshots as base64-encoded strings.
func CompareBase64Images(baseline, candidate string) (float64, error) {
	baseBytes, err := decodeBase64(baseline)
	if err != nil {
		return 0, err
	}

	mineBytes, err := decodeBase64(candidate)
	if err != nil {
		return 0, err
	}

	return CompareImages(baseBytes, mineBytes)
}

func decodeBase64(payload string) ([]byte, error) {
	// Trillian may wrap the base64 payload across lines.
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		default:
			return r
		}
	}, payload)

	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return data, nil
}

func decodeImage(payload []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return img, nil
}

// channelSSIM computes the mean windowed SSIM for one color channel
// (0=R, 1=G, 2=B) over the given region.
func channelSSIM(base, mine image.Image, channel, width, height int) float64 {
	var (
		sum     float64
		windows int
	)

	for y := 0; y < height; y += ssimWindow {
		wh := min(ssimWindow, height-y)

		for x := 0; x < width; x += ssimWindow {
			ww := min(ssimWindow, width-x)

			xs := make([]float64, 0, ww*wh)
			ys := make([]float64, 0, ww*wh)

			for dy := 0; dy < wh; dy++ {
				for dx := 0; dx < ww; dx++ {
					xs = append(xs, channelValue(base, x+dx, y+dy, channel))
					ys = append(ys, channelValue(mine, x+dx, y+dy, channel))
				}
			}

			sum += windowSSIM(xs, ys)
			windows++
		}
	}

	return sum / float64(windows)
}

// windowSSIM computes the SSIM for one pair of pixel windows using
// unbiased variance/covariance estimates.
func windowSSIM(xs, ys []float64) float64 {
	meanX := stat.Mean(xs, nil)
	meanY := stat.Mean(ys, nil)

	var varX, varY, cov float64

	// Variance needs at least two samples; degenerate single-pixel
	// edge windows compare on luminance alone.
	if len(xs) > 1 {
		varX = stat.Variance(xs, nil)
		varY = stat.Variance(ys, nil)
		cov = stat.Covariance(xs, ys, nil)
	}

	num := (2*meanX*meanY + ssimC1) * (2*cov + ssimC2)
	den := (meanX*meanX + meanY*meanY + ssimC1) * (varX + varY + ssimC2)

	return num / den
}

// channelValue returns one 8-bit color channel of a pixel as a float.
func channelValue(img image.Image, x, y int, channel int) float64 {
	b := img.Bounds()
	r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()

	switch channel {
	case 0:
		return float64(r >> 8)
	case 1:
		return float64(g >> 8)
	default:
		return float64(bl >> 8)
	}
}
