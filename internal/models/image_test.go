package models_test

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/MegaGrindStone/multimodal-chat/internal/models"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img
}

func TestNewImageContent(t *testing.T) {
	var pngBuf, jpegBuf, gifBuf bytes.Buffer
	if err := png.Encode(&pngBuf, testImage()); err != nil {
		t.Fatal(err)
	}
	if err := jpeg.Encode(&jpegBuf, testImage(), nil); err != nil {
		t.Fatal(err)
	}
	if err := gif.Encode(&gifBuf, testImage(), nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name          string
		data          []byte
		wantMediaType string
		wantErr       bool
	}{
		{name: "PNG", data: pngBuf.Bytes(), wantMediaType: models.MediaTypePNG},
		{name: "JPEG", data: jpegBuf.Bytes(), wantMediaType: models.MediaTypeJPEG},
		{name: "GIF is rejected", data: gifBuf.Bytes(), wantErr: true},
		{name: "Garbage is rejected", data: []byte("not an image"), wantErr: true},
		{name: "Empty is rejected", data: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := models.NewImageContent(bytes.NewReader(tt.data))
			if tt.wantErr {
				if !errors.Is(err, models.ErrUnsupportedImage) {
					t.Fatalf("NewImageContent() error = %v, want ErrUnsupportedImage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewImageContent() error = %v", err)
			}
			if got.Type != models.ContentTypeImage {
				t.Errorf("Type = %s, want %s", got.Type, models.ContentTypeImage)
			}
			if got.MediaType != tt.wantMediaType {
				t.Errorf("MediaType = %s, want %s", got.MediaType, tt.wantMediaType)
			}
			if !bytes.Equal(got.Data, tt.data) {
				t.Error("Data should hold the uploaded bytes unchanged")
			}
			if !strings.HasPrefix(got.DataURI(), "data:"+tt.wantMediaType+";base64,") {
				t.Errorf("DataURI() = %.40s...", got.DataURI())
			}
		})
	}
}
