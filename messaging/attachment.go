package messaging

import (
	"net/url"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

// MaxAttachmentSize bounds uploaded files.
const MaxAttachmentSize int64 = 10 << 20

var allowedMimeTypes = []string{
	"image/jpeg",
	"image/png",
	"image/webp",
	"image/gif",
	"application/pdf",
	"text/plain",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/zip",
	"application/x-zip-compressed",
}

// AllowedMimeTypes returns the MIME types accepted for attachments.
func AllowedMimeTypes() []string {
	return slices.Clone(allowedMimeTypes)
}

// MimeAllowed reports whether files of type mt may be attached.
func MimeAllowed(mt string) bool {
	return slices.Contains(allowedMimeTypes, strings.ToLower(strings.TrimSpace(mt)))
}

// CheckSize rejects sizes outside (0, MaxAttachmentSize].
func CheckSize(size int64) error {
	if size <= 0 || size > MaxAttachmentSize {
		return Validationf("File exceeds allowed size limit of %s", humanize.IBytes(uint64(MaxAttachmentSize)))
	}
	return nil
}

// Validate checks that the attachment metadata is complete and allowed.
func (a Attachment) Validate() error {
	if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.FileName) == "" || strings.TrimSpace(a.MimeType) == "" {
		return Validationf("Attachment url, fileName, mimeType and size are required")
	}
	if !isHTTPURL(a.URL) {
		return Validationf("Attachment url must be an http(s) URL")
	}
	if !MimeAllowed(a.MimeType) {
		return Validationf("File type %q is not allowed", a.MimeType)
	}
	return CheckSize(a.Size)
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
