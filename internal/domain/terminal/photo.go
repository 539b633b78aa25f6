package terminal

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrEmptyPhoto    = errors.New("photo is empty")
	ErrPhotoTooLarge = errors.New("photo exceeds 2 MB")
	ErrNotJPEG       = errors.New("photo is not a JPEG image")
	ErrBatchTooLarge = errors.New("batch payload exceeds 2 MB")
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

const (
	itemOverhead  = 64
	batchOverhead = 32
)

// ValidatePhoto проверяет ограничения терминала на одну фотографию
func ValidatePhoto(img []byte) error {
	switch {
	case len(img) == 0:
		return ErrEmptyPhoto
	case len(img) > MaxPhotoBytes:
		return fmt.Errorf("%w: %d bytes", ErrPhotoTooLarge, len(img))
	case !bytes.HasPrefix(img, jpegMagic):
		return ErrNotJPEG
	}
	return nil
}

// EncodedSize размер элемента в теле user_set_image_list
func EncodedSize(item PhotoItem) int {
	return base64.StdEncoding.EncodedLen(len(item.Image)) + itemOverhead
}

// BatchSize размер тела user_set_image_list для набора элементов
func BatchSize(items []PhotoItem) int {
	total := batchOverhead
	for _, it := range items {
		total += EncodedSize(it)
	}
	return total
}

// FitsBatch может ли элемент в принципе войти в пакет размером limit
func FitsBatch(item PhotoItem, limit int) bool {
	return batchOverhead+EncodedSize(item) <= limit
}
