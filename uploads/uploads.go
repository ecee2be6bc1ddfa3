// Package uploads issues short lived authorizations that let clients upload
// files straight to the storage provider.
package uploads

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/edgeee/chatsync/messaging"
)

// Usage values accepted in a Request.
const (
	UsageAttachment = "attachment"
	UsageAvatar     = "avatar"
)

const (
	avatarFolder     = "chat-app/avatars"
	attachmentFolder = "chat-app/attachments"
)

// Request describes the file a client wants to upload.
type Request struct {
	FileName string
	MimeType string
	Size     int64
	Usage    string
}

// Authorization is handed to the client, which forwards it with the file.
type Authorization struct {
	Timestamp        int64      `json:"timestamp"`
	Signature        string     `json:"signature,omitempty"`
	CloudName        string     `json:"cloudName,omitempty"`
	APIKey           string     `json:"apiKey,omitempty"`
	Folder           string     `json:"folder"`
	PublicID         string     `json:"publicId"`
	ResourceType     string     `json:"resourceType"`
	UploadURL        string     `json:"uploadUrl,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	MaxFileSizeBytes int64      `json:"maxFileSizeBytes"`
	AllowedMimeTypes []string   `json:"allowedMimeTypes"`
}

// Target is the destination a signer authorizes.
type Target struct {
	Folder    string
	PublicID  string
	MimeType  string
	Timestamp time.Time
}

// A Signer fills in the provider specific part of an authorization.
type Signer interface {
	// Ready reports whether the signer has usable credentials.
	Ready() error
	Sign(ctx context.Context, t Target, a *Authorization) error
}

// Service validates upload requests and signs them.
type Service struct {
	signer Signer
	now    func() time.Time
	random io.Reader
}

// NewService returns a Service signing with s. A nil signer makes every
// request fail as unavailable.
func NewService(s Signer) *Service {
	return &Service{signer: s, now: time.Now, random: rand.Reader}
}

// Authorize checks req and returns a signed authorization.
func (s *Service) Authorize(ctx context.Context, req Request) (Authorization, error) {
	if s.signer == nil {
		return Authorization{}, messaging.Upstreamf("Upload signing credentials are not configured")
	}
	if err := s.signer.Ready(); err != nil {
		return Authorization{}, err
	}

	mt := strings.ToLower(strings.TrimSpace(req.MimeType))
	if strings.TrimSpace(req.FileName) == "" || mt == "" || req.Size == 0 {
		return Authorization{}, messaging.Validationf("fileName, mimeType, and size are required")
	}
	if err := messaging.CheckSize(req.Size); err != nil {
		return Authorization{}, err
	}
	if !messaging.MimeAllowed(mt) {
		return Authorization{}, messaging.Validationf("File type is not allowed")
	}

	folder := attachmentFolder
	if req.Usage == UsageAvatar {
		if !strings.HasPrefix(mt, "image/") {
			return Authorization{}, messaging.Validationf("Avatar uploads must be image files")
		}
		folder = avatarFolder
	}

	now := s.now()
	suffix := make([]byte, 8)
	if _, err := io.ReadFull(s.random, suffix); err != nil {
		return Authorization{}, fmt.Errorf("read random: %w", err)
	}
	t := Target{
		Folder:    folder,
		PublicID:  fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(suffix)),
		MimeType:  mt,
		Timestamp: now,
	}

	a := Authorization{
		Timestamp:        now.Unix(),
		Folder:           t.Folder,
		PublicID:         t.PublicID,
		ResourceType:     "auto",
		MaxFileSizeBytes: messaging.MaxAttachmentSize,
		AllowedMimeTypes: messaging.AllowedMimeTypes(),
	}
	if err := s.signer.Sign(ctx, t, &a); err != nil {
		return Authorization{}, err
	}
	return a, nil
}
