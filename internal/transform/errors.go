package transform

import (
	"errors"
	"net/http"

	"github.com/digkill/ghiblit/internal/api"
)

// Category is the user facing class of a transform failure.
type Category int

const (
	CategoryNone Category = iota
	CategoryUnauthorized
	CategoryPaymentRequired
	CategoryTooLarge
	CategoryUnsupportedMedia
	CategoryInvalidInput
	CategoryGeneric
)

func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrLoginRequired):
		return CategoryUnauthorized
	case errors.Is(err, ErrPaywall):
		return CategoryPaymentRequired
	case errors.Is(err, ErrTooLarge):
		return CategoryTooLarge
	case errors.Is(err, ErrUnsupportedMedia):
		return CategoryUnsupportedMedia
	case errors.Is(err, ErrEmptyFile), errors.Is(err, ErrUnknownStyle):
		return CategoryInvalidInput
	}

	switch api.StatusCode(err) {
	case http.StatusUnauthorized:
		return CategoryUnauthorized
	case http.StatusPaymentRequired:
		return CategoryPaymentRequired
	case http.StatusRequestEntityTooLarge:
		return CategoryTooLarge
	case http.StatusUnsupportedMediaType:
		return CategoryUnsupportedMedia
	default:
		return CategoryGeneric
	}
}

func (c Category) Message() string {
	switch c {
	case CategoryNone:
		return ""
	case CategoryUnauthorized:
		return "Your session has expired. Please log in again with /login."
	case CategoryPaymentRequired:
		return "You are out of credits. Top up with /plans to keep transforming."
	case CategoryTooLarge:
		return "This image is too large. Please send a smaller one."
	case CategoryUnsupportedMedia:
		return "Unsupported file type. Please send a JPEG or PNG image."
	case CategoryInvalidInput:
		return "That did not work. Send a photo and pick a style from /style."
	default:
		return "Something went wrong while transforming your image. Please try again."
	}
}
