// Package storage defines the blob store that resolved icons are exported to.
// Implementations exist for memory, the local filesystem and Google Cloud
// Storage.
package storage

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"
)

// BlobStore writes an object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// IconPath returns the object path of an icon: <prefix>/<hash>.<ext>, where
// ext follows the sniffed content type.
func IconPath(prefix, hash string, data []byte) string {
	name := hash + "." + Extension(data)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// ContentType sniffs the media type of icon bytes.
func ContentType(data []byte) string {
	if len(data) >= 4 && string(data[:4]) == "\x00\x00\x01\x00" {
		return "image/x-icon"
	}
	return http.DetectContentType(data)
}

// Extension maps icon bytes to a file extension, defaulting to png.
func Extension(data []byte) string {
	switch ContentType(data) {
	case "image/x-icon":
		return "ico"
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/bmp":
		return "bmp"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}
