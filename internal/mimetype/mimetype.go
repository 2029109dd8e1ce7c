package mimetype

const (
	PDF  = "application/pdf"
	JPEG = "image/jpeg"
	PNG  = "image/png"
)

var imageTypes = map[string]struct{}{
	"image/png":     {},
	"image/jpeg":    {},
	"image/jpg":     {},
	"image/gif":     {},
	"image/webp":    {},
	"image/bmp":     {},
	"image/svg+xml": {},
	"image/tiff":    {},
}

// IsImage reports whether mimetype is one of the image types vendors accept
// as image input. The match is exact and case-sensitive.
func IsImage(mimetype string) bool {
	_, ok := imageTypes[mimetype]
	return ok
}
