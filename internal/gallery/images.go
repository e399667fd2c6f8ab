package gallery

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// SupportedExtensions lists the reference image formats a gallery accepts.
var SupportedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".webp": true,
}

// IsSupportedFile reports whether name looks like a gallery image. Dot-files
// (including in-flight temp files) never are.
func IsSupportedFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return SupportedExtensions[strings.ToLower(filepath.Ext(base))]
}

// extensionFor picks a file extension from the decoded format name.
func extensionFor(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "png", "gif", "bmp", "webp":
		return "." + format
	default:
		return ""
	}
}

// sniffImage checks that data decodes as a supported image and returns the
// extension to store it under.
func sniffImage(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsupportedImage, err)
	}
	ext := extensionFor(format)
	if ext == "" {
		return "", fmt.Errorf("%w: format %q", ErrUnsupportedImage, format)
	}
	return ext, nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
