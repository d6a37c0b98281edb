package conversation

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"

	"github.com/davidbz/markl/internal/domain"
)

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// ValidateImage sniffs the content of data and returns an image reference
// carrying the detected MIME type. The declared type is informational only.
func (a *Assembler) ValidateImage(data []byte, declaredMIME string) (*domain.ImageRef, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrInvalidImagePayload)
	}

	if len(data) > a.maxImageSize {
		return nil, fmt.Errorf("%w: image is %d bytes, limit is %d", domain.ErrInvalidImagePayload, len(data), a.maxImageSize)
	}

	detected := mimetype.Detect(data)
	if _, ok := allowedImageTypes[detected.String()]; !ok {
		return nil, fmt.Errorf("%w: unsupported content type %s (declared %q)",
			domain.ErrInvalidImagePayload, detected.String(), declaredMIME)
	}

	return &domain.ImageRef{Data: data, MIMEType: detected.String()}, nil
}
