package destinations

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Nextcloud uploads documents with a single WebDAV PUT.
type Nextcloud struct {
	// UploadURL is the WebDAV base, e.g.
	// https://cloud.example.com/remote.php/dav/files/user
	UploadURL string
	Folder    string
	Username  string
	Password  string

	HTTPClient *http.Client
}

// Name implements Uploader.
func (n *Nextcloud) Name() string { return "nextcloud" }

// Upload implements Uploader. The remote reference is the path below the
// WebDAV base.
func (n *Nextcloud) Upload(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("nextcloud: opening file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("nextcloud: stat file: %w", err)
	}

	name := filepath.Base(filePath)
	base := strings.TrimSuffix(n.UploadURL, "/")
	folder := strings.Trim(n.Folder, "/")

	remotePath := name
	target := base + "/" + url.PathEscape(name)
	if folder != "" {
		remotePath = folder + "/" + name
		target = base + "/" + folder + "/" + url.PathEscape(name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(n.Username, n.Password)
	req.ContentLength = info.Size()

	resp, err := n.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("nextcloud: uploading: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return remotePath, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("nextcloud: upload returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (n *Nextcloud) httpClient() *http.Client {
	if n.HTTPClient != nil {
		return n.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Minute}
}
