package uploads

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/edgeee/chatsync/messaging"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testService(s Signer) *Service {
	svc := NewService(s)
	svc.now = func() time.Time { return testNow }
	svc.random = bytes.NewReader([]byte{0, 1, 2, 3, 4, 5, 6, 7})
	return svc
}

func TestService_Authorize(t *testing.T) {
	signer := &CloudSigner{CloudName: "demo", APIKey: "key", APISecret: "shh"}

	tests := []struct {
		name     string
		signer   Signer
		req      Request
		want     Authorization
		wantKind messaging.Kind
		wantMsg  string
	}{
		{
			name:   "Attachment",
			signer: signer,
			req:    Request{FileName: "a.pdf", MimeType: "application/pdf", Size: 1024},
			want: Authorization{
				Timestamp:        1704067200,
				Signature:        "06b8f62d5b2d4f4d31c42089adedfa7a5b138986",
				CloudName:        "demo",
				APIKey:           "key",
				Folder:           "chat-app/attachments",
				PublicID:         "1704067200000-0001020304050607",
				ResourceType:     "auto",
				MaxFileSizeBytes: messaging.MaxAttachmentSize,
				AllowedMimeTypes: messaging.AllowedMimeTypes(),
			},
		},
		{
			name:   "Avatar",
			signer: signer,
			req:    Request{FileName: "me.png", MimeType: "image/png", Size: 1024, Usage: UsageAvatar},
			want: Authorization{
				Timestamp:        1704067200,
				Signature:        "0c5b25411363fccc10088937d84d10cf8992f31e",
				CloudName:        "demo",
				APIKey:           "key",
				Folder:           "chat-app/avatars",
				PublicID:         "1704067200000-0001020304050607",
				ResourceType:     "auto",
				MaxFileSizeBytes: messaging.MaxAttachmentSize,
				AllowedMimeTypes: messaging.AllowedMimeTypes(),
			},
		},
		{
			name:     "AvatarNotImage",
			signer:   signer,
			req:      Request{FileName: "cv.pdf", MimeType: "application/pdf", Size: 1024, Usage: UsageAvatar},
			wantKind: messaging.KindValidation,
			wantMsg:  "Avatar uploads must be image files",
		},
		{
			name:     "Missing",
			signer:   signer,
			req:      Request{MimeType: "image/png", Size: 1},
			wantKind: messaging.KindValidation,
			wantMsg:  "fileName, mimeType, and size are required",
		},
		{
			name:     "TooLarge",
			signer:   signer,
			req:      Request{FileName: "a.zip", MimeType: "application/zip", Size: messaging.MaxAttachmentSize + 1},
			wantKind: messaging.KindValidation,
			wantMsg:  "File exceeds allowed size limit of 10 MiB",
		},
		{
			name:     "Negative",
			signer:   signer,
			req:      Request{FileName: "a.zip", MimeType: "application/zip", Size: -1},
			wantKind: messaging.KindValidation,
			wantMsg:  "File exceeds allowed size limit of 10 MiB",
		},
		{
			name:     "Disallowed",
			signer:   signer,
			req:      Request{FileName: "a.exe", MimeType: "application/x-msdownload", Size: 1},
			wantKind: messaging.KindValidation,
			wantMsg:  "File type is not allowed",
		},
		{
			name:     "NoCredentials",
			signer:   &CloudSigner{CloudName: "demo"},
			req:      Request{FileName: "a.pdf", MimeType: "application/pdf", Size: 1},
			wantKind: messaging.KindUpstream,
			wantMsg:  "Cloudinary credentials are not configured",
		},
		{
			name:     "NoSigner",
			req:      Request{FileName: "a.pdf", MimeType: "application/pdf", Size: 1},
			wantKind: messaging.KindUpstream,
			wantMsg:  "Upload signing credentials are not configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := testService(tt.signer).Authorize(context.Background(), tt.req)
			if tt.wantMsg != "" {
				if kind := messaging.KindOf(err); kind != tt.wantKind {
					t.Fatalf("Got error kind %v (%v), want %v", kind, err, tt.wantKind)
				}
				if msg := messaging.MessageOf(err, ""); msg != tt.wantMsg {
					t.Errorf("Got message %q, want %q", msg, tt.wantMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Authorization mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSignParams_SkipsEmptyValues(t *testing.T) {
	a := SignParams(map[string]string{"b": "2", "a": "1", "c": ""}, "s")
	b := SignParams(map[string]string{"a": "1", "b": "2"}, "s")
	if a != b {
		t.Errorf("Empty values changed the signature: %s != %s", a, b)
	}
}

func TestMinioSigner(t *testing.T) {
	signer, err := NewMinioSigner(MinioConfig{
		Endpoint:  "http://localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "uploads",
		URLTTL:    5 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := testService(signer).Authorize(context.Background(), Request{FileName: "a.pdf", MimeType: "application/pdf", Size: 10})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	u, err := url.Parse(got.UploadURL)
	if err != nil {
		t.Fatal(err)
	}
	if want := "/uploads/chat-app/attachments/1704067200000-0001020304050607"; u.Path != want {
		t.Errorf("Got upload path %s, want %s", u.Path, want)
	}
	if !strings.Contains(u.RawQuery, "X-Amz-Signature=") {
		t.Errorf("Upload URL is not presigned: %s", got.UploadURL)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(testNow.Add(5*time.Minute)) {
		t.Errorf("Got expiry %v", got.ExpiresAt)
	}
	if got.Signature != "" {
		t.Errorf("Presigned authorization carries a signature %q", got.Signature)
	}
}
