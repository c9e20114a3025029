package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireframe/internal/models"
	"fireframe/internal/testutil"
)

func TestParseDataURL(t *testing.T) {
	content := testutil.TinyPNG(t, 4, 4)
	encoded := base64.StdEncoding.EncodeToString(content)

	tests := []struct {
		name     string
		in       string
		wantType string
		wantData []byte
		wantErr  bool
	}{
		{name: "base64 png", in: "data:image/png;base64," + encoded, wantType: "image/png", wantData: content},
		{name: "unpadded base64", in: "data:image/png;base64," + base64.RawStdEncoding.EncodeToString(content), wantType: "image/png", wantData: content},
		{name: "plain text", in: "data:,hello%20world", wantType: "text/plain", wantData: []byte("hello world")},
		{name: "uppercase scheme", in: "DATA:image/png;base64," + encoded, wantType: "image/png", wantData: content},
		{name: "no separator", in: "data:image/png;base64", wantErr: true},
		{name: "bad base64", in: "data:image/png;base64,!!!", wantErr: true},
		{name: "remote url", in: "https://example.com/a.png", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDataURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, got.MediaType)
			assert.Equal(t, tt.wantData, got.Data)
		})
	}

	_, err := ParseDataURL("https://x")
	assert.True(t, errors.Is(err, ErrNotDataURL))
}

func TestPrepare_AcceptsSmallPNG(t *testing.T) {
	content := testutil.TinyPNG(t, 40, 30)
	img, err := Prepare(content, "image/png", 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Equal(t, 40, img.Width)
	assert.Equal(t, 30, img.Height)
	assert.Equal(t, content, img.Content)
}

func TestPrepare_DownscalesLargeImages(t *testing.T) {
	content := testutil.TinyPNG(t, 4096, 1024)
	img, err := Prepare(content, "", 64<<20)
	require.NoError(t, err)
	assert.Equal(t, MasterMaxSize, img.Width)
	assert.Equal(t, 512, img.Height)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.Content))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, MasterMaxSize, cfg.Width)
}

func TestPrepare_Rejections(t *testing.T) {
	png := testutil.TinyPNG(t, 8, 8)
	tests := []struct {
		name     string
		content  []byte
		declared string
		max      int64
		msg      string
	}{
		{name: "empty", content: nil, msg: "No file uploaded"},
		{name: "too large", content: png, max: 10, msg: "File too large"},
		{name: "not an image", content: []byte("just some text"), msg: "Invalid image type"},
		{name: "declared mismatch", content: png, declared: "image/jpeg", msg: "Image content type mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Prepare(tt.content, tt.declared, tt.max)
			require.Error(t, err)
			var appErr *models.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
			assert.Contains(t, appErr.Message, tt.msg)
		})
	}
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "jpeg", Extension("me.JPEG", ""))
	assert.Equal(t, "png", Extension("avatar", "image/png"))
	assert.Equal(t, "jpg", Extension("", "image/jpeg; charset=binary"))
	assert.Equal(t, "bin", Extension("", "application/x-unknown-thing"))
}
