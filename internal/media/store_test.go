package media

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "diagram.png", want: "diagram.png"},
		{in: "My Photo (1).JPG", want: "My-Photo--1-.JPG"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\Users\ada\report.pdf`, want: "report.pdf"},
		{in: "  spaced.txt  ", want: "spaced.txt"},
		{in: "résumé.pdf", want: "r-sum-.pdf"},
		{in: "", wantErr: true},
		{in: "..", wantErr: true},
		{in: "???", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SanitizeFilename(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFilename) {
					t.Fatalf("SanitizeFilename(%q) error = %v, want ErrInvalidFilename", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SanitizeFilename(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilenameKeepsExtensionWhenTruncating(t *testing.T) {
	got, err := SanitizeFilename(strings.Repeat("a", 300) + ".png")
	if err != nil {
		t.Fatalf("SanitizeFilename() error = %v", err)
	}
	if len(got) != maxNameLength || !strings.HasSuffix(got, ".png") {
		t.Fatalf("SanitizeFilename() = %q (len %d)", got, len(got))
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("New() without endpoint error = nil")
	}
	if _, err := New(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("New() without bucket error = nil")
	}
}

func TestPresignUpload(t *testing.T) {
	st, err := New(Config{
		Endpoint:  "localhost:9000",
		AccessKey: "folio",
		SecretKey: "folio-secret",
		Bucket:    "folio-uploads",
		TTL:       10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return fixed }

	up, err := st.PresignUpload(context.Background(), "pg_1", "Team photo.png")
	if err != nil {
		t.Fatalf("PresignUpload() error = %v", err)
	}

	if !strings.HasPrefix(up.ObjectKey, "pages/pg_1/") || !strings.HasSuffix(up.ObjectKey, "-Team-photo.png") {
		t.Fatalf("ObjectKey = %q", up.ObjectKey)
	}
	if up.PublicURL != "http://localhost:9000/folio-uploads/"+up.ObjectKey {
		t.Fatalf("PublicURL = %q", up.PublicURL)
	}
	if !up.ExpiresAt.Equal(fixed.Add(10 * time.Minute)) {
		t.Fatalf("ExpiresAt = %v", up.ExpiresAt)
	}

	signed, err := url.Parse(up.UploadURL)
	if err != nil {
		t.Fatalf("parse upload url: %v", err)
	}
	if signed.Host != "localhost:9000" || signed.Path != "/folio-uploads/"+up.ObjectKey {
		t.Fatalf("UploadURL = %q", up.UploadURL)
	}
	q := signed.Query()
	if q.Get("X-Amz-Signature") == "" || q.Get("X-Amz-Expires") != "600" {
		t.Fatalf("UploadURL query = %v", q)
	}
}
