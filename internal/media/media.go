// Package media validates and normalizes images before they are uploaded.
package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	"image/png"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder

	"fireframe/internal/models"
)

const (
	// MasterMaxSize bounds the longest edge of a stored image.
	MasterMaxSize = 2048
	JPEGQuality   = 82
)

// ErrNotDataURL is returned when a string does not start with "data:".
var ErrNotDataURL = errors.New("not a data URL")

// DataURL is a decoded inline payload.
type DataURL struct {
	MediaType string
	Data      []byte
}

// IsDataURL reports whether s is an inline data: URL.
func IsDataURL(s string) bool {
	return len(s) >= 5 && strings.EqualFold(s[:5], "data:")
}

// ParseDataURL decodes "data:[<mediatype>][;base64],<data>".
func ParseDataURL(s string) (DataURL, error) {
	if !IsDataURL(s) {
		return DataURL{}, ErrNotDataURL
	}
	header, payload, found := strings.Cut(s[5:], ",")
	if !found {
		return DataURL{}, errors.New("data URL has no payload separator")
	}

	isBase64 := false
	params := strings.Split(header, ";")
	mediaType := strings.ToLower(strings.TrimSpace(params[0]))
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			// Some encoders drop the padding.
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(payload), "="))
			if err != nil {
				return DataURL{}, fmt.Errorf("decode data URL: %w", err)
			}
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return DataURL{}, fmt.Errorf("decode data URL: %w", err)
		}
		data = []byte(unescaped)
	}
	return DataURL{MediaType: mediaType, Data: data}, nil
}

// Image is validated image content ready for upload.
type Image struct {
	Content     []byte
	ContentType string
	Format      string
	Width       int
	Height      int
}

// Prepare validates content as an image no larger than maxBytes, and
// downscales PNG and JPEG images whose longest edge exceeds MasterMaxSize.
// Validation failures are *models.AppError with code VALIDATION_ERROR.
func Prepare(content []byte, declaredType string, maxBytes int64) (*Image, error) {
	if len(content) == 0 {
		return nil, models.NewValidationError("No file uploaded")
	}
	if maxBytes > 0 && int64(len(content)) > maxBytes {
		return nil, models.NewValidationError(fmt.Sprintf("File too large (max %dMB)", maxBytes/(1024*1024)))
	}

	detected := http.DetectContentType(content)
	if !isAllowedImageMIME(detected) {
		return nil, models.NewValidationError("Invalid image type")
	}

	decoded, format, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, models.NewValidationError("Invalid image file")
	}
	mimeType := decodedFormatToMime(format)
	if mimeType == "" {
		return nil, models.NewValidationError("Unsupported image format")
	}
	if provided := normalizeContentType(declaredType); strings.HasPrefix(provided, "image/") && !isMatchingContentType(provided, mimeType) {
		return nil, models.NewValidationError("Image content type mismatch")
	}

	out := &Image{Content: content, ContentType: mimeType, Format: format}
	b := decoded.Bounds()
	out.Width, out.Height = b.Dx(), b.Dy()

	if out.Width <= MasterMaxSize && out.Height <= MasterMaxSize {
		return out, nil
	}
	// GIF and WebP have no encoder here; they are stored as received.
	if format != "png" && format != "jpeg" {
		return out, nil
	}

	resized := resizeToFit(decoded, MasterMaxSize, MasterMaxSize)
	var buf bytes.Buffer
	if format == "png" {
		err = png.Encode(&buf, resized)
	} else {
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: JPEGQuality})
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	rb := resized.Bounds()
	out.Content = buf.Bytes()
	out.Width, out.Height = rb.Dx(), rb.Dy()
	return out, nil
}

// Extension returns the file extension for filename without the dot,
// falling back to the one registered for contentType.
func Extension(filename, contentType string) string {
	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), "."); ext != "" {
		return ext
	}
	switch normalizeContentType(contentType) {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}

func resizeToFit(src image.Image, maxWidth, maxHeight int) image.Image {
	bounds := src.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if w <= 0 || h <= 0 || (w <= maxWidth && h <= maxHeight) {
		return src
	}

	scale := float64(maxWidth) / float64(w)
	if s := float64(maxHeight) / float64(h); s < scale {
		scale = s
	}
	newW := max(int(float64(w)*scale), 1)
	newH := max(int(float64(h)*scale), 1)

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
	return dst
}

func isAllowedImageMIME(contentType string) bool {
	switch normalizeContentType(contentType) {
	case "image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}

func normalizeContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func isMatchingContentType(provided, detected string) bool {
	p := normalizeContentType(provided)
	d := normalizeContentType(detected)
	if p == "image/jpg" {
		p = "image/jpeg"
	}
	return p == d
}

func decodedFormatToMime(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return ""
	}
}
