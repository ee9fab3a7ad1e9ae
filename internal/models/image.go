package models

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"

	// Registered so image.DecodeConfig recognizes the accepted upload formats.
	_ "image/jpeg"
	_ "image/png"
)

// Media types accepted for uploaded images.
const (
	MediaTypePNG  = "image/png"
	MediaTypeJPEG = "image/jpeg"
)

// ErrUnsupportedImage is returned when an upload is not a PNG or JPEG image.
var ErrUnsupportedImage = errors.New("unsupported image: only jpg, jpeg and png are accepted")

// NewImageContent reads an uploaded image and returns it as an image Content. The media type is taken
// from the decoded image header, not from the file name or the client supplied content type.
func NewImageContent(r io.Reader) (Content, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Content{}, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return Content{}, fmt.Errorf("%w: empty file", ErrUnsupportedImage)
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Content{}, fmt.Errorf("%w: %w", ErrUnsupportedImage, err)
	}

	var mediaType string
	switch format {
	case "png":
		mediaType = MediaTypePNG
	case "jpeg":
		mediaType = MediaTypeJPEG
	default:
		return Content{}, fmt.Errorf("%w: got %s", ErrUnsupportedImage, format)
	}

	return Content{
		Type:      ContentTypeImage,
		MediaType: mediaType,
		Data:      data,
	}, nil
}

// DataURI returns the image encoded as a data URI, or an empty string for non-image contents.
func (c Content) DataURI() string {
	if c.Type != ContentTypeImage {
		return ""
	}
	return "data:" + c.MediaType + ";base64," + c.Base64()
}
