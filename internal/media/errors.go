package media

import "errors"

var (
	ErrUnsupportedMediaType = errors.New("unsupported media type: only image uploads are accepted")
	ErrTooLarge             = errors.New("upload exceeds the configured size cap")
	ErrEmptyUpload          = errors.New("upload is empty")
	ErrNotFound             = errors.New("media not found")
)
