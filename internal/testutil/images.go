// Package testutil provides shared fixtures for tests.
package testutil

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
)

// TB is the subset of testing.TB the fixtures need.
type TB interface {
	Helper()
	Fatalf(string, ...any)
}

// TinyPNG returns an in-memory PNG with the requested dimensions.
func TinyPNG(t TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// PNGDataURL returns TinyPNG wrapped in a base64 data: URL.
func PNGDataURL(t TB, w, h int) string {
	t.Helper()
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(TinyPNG(t, w, h))
}
