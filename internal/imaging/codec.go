package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/joseph-ayodele/image-batch/internal/common"
	_ "golang.org/x/image/webp"
)

// Codec decodes fetched bytes and re-encodes them for storage.
type Codec interface {
	Decode(data []byte) (image.Image, string, error)
	Encode(img image.Image) ([]byte, error)
}

// JPEGCodec decodes jpeg, png, gif and webp and encodes baseline JPEG.
type JPEGCodec struct {
	Quality int
}

func NewJPEGCodec(quality int) JPEGCodec {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return JPEGCodec{Quality: quality}
}

func (c JPEGCodec) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty body: %w", common.ErrDecode)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode: %w", errors.Join(common.ErrDecode, err))
	}
	return img, format, nil
}

func (c JPEGCodec) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, fmt.Errorf("encode: %w", errors.Join(common.ErrDecode, err))
	}
	return buf.Bytes(), nil
}
