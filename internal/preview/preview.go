package preview

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

// Bound decodes a preview frame and, when its longest edge exceeds maxEdge,
// re-encodes it as a JPEG thumbnail fitting that bound. Frames already within
// the bound (or an unparseable payload) pass through untouched so a bad
// preview never fails the job.
func Bound(data []byte, maxEdge int) []byte {
	if maxEdge <= 0 || len(data) == 0 {
		return data
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}
	b := img.Bounds()
	if b.Dx() <= maxEdge && b.Dy() <= maxEdge {
		return data
	}
	scaled := imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, scaled, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return data
	}
	return buf.Bytes()
}

// Dimensions reports the pixel size of an encoded image.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
