package preview

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestBoundShrinksOversizedFrames(t *testing.T) {
	data := encodePNG(t, 640, 400)

	out := Bound(data, 256)
	if bytes.Equal(out, data) {
		t.Fatal("oversized frame passed through unchanged")
	}
	w, h, err := Dimensions(out)
	if err != nil {
		t.Fatalf("dimensions: %v", err)
	}
	if w > 256 || h > 256 {
		t.Fatalf("bounded frame is %dx%d, want both edges <= 256", w, h)
	}
	if w != 256 {
		t.Fatalf("longest edge = %d, want 256", w)
	}
}

func TestBoundPassesThroughSmallFrames(t *testing.T) {
	data := encodePNG(t, 100, 80)
	if out := Bound(data, 256); !bytes.Equal(out, data) {
		t.Fatal("frame within bound must pass through untouched")
	}
}

func TestBoundPassesThroughUndecodablePayload(t *testing.T) {
	junk := []byte("not an image")
	if out := Bound(junk, 256); !bytes.Equal(out, junk) {
		t.Fatal("undecodable payload must pass through untouched")
	}
}

func TestBoundDisabled(t *testing.T) {
	data := encodePNG(t, 640, 400)
	if out := Bound(data, 0); !bytes.Equal(out, data) {
		t.Fatal("maxEdge 0 must disable bounding")
	}
}
