package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf16"
)

const dropboxChunkSize = 4 * 1024 * 1024

const (
	defaultDropboxTokenURL   = "https://api.dropbox.com/oauth2/token"
	defaultDropboxContentURL = "https://content.dropboxapi.com"
)

// Dropbox uploads documents via the Dropbox content API. Each upload mints
// a short-lived access token from the long-lived refresh token. Files over
// 4 MiB go through an upload session in 4 MiB chunks.
type Dropbox struct {
	AppKey       string
	AppSecret    string
	RefreshToken string
	Folder       string

	// TokenURL and ContentURL default to the public Dropbox endpoints.
	TokenURL   string
	ContentURL string

	HTTPClient *http.Client
}

// Name implements Uploader.
func (d *Dropbox) Name() string { return "dropbox" }

// Upload implements Uploader. The remote reference is the Dropbox file id.
func (d *Dropbox) Upload(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("dropbox: opening file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("dropbox: stat file: %w", err)
	}

	token, err := d.refreshAccessToken(ctx)
	if err != nil {
		return "", err
	}

	remotePath := path.Join("/", d.Folder, filepath.Base(filePath))

	if info.Size() <= dropboxChunkSize {
		return d.uploadSmall(ctx, token, remotePath, f)
	}
	return d.uploadChunked(ctx, token, remotePath, f, info.Size())
}

// refreshAccessToken trades the refresh token for a fresh access token.
func (d *Dropbox) refreshAccessToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {d.RefreshToken},
		"client_id":     {d.AppKey},
		"client_secret": {d.AppSecret},
	}

	tokenURL := d.TokenURL
	if tokenURL == "" {
		tokenURL = defaultDropboxTokenURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("dropbox: refreshing token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("dropbox: token refresh returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("dropbox: decoding token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("dropbox: token response carried no access token")
	}

	return payload.AccessToken, nil
}

func (d *Dropbox) uploadSmall(ctx context.Context, token, remotePath string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("dropbox: reading file: %w", err)
	}

	arg := map[string]any{"path": remotePath, "mode": "add", "autorename": true}
	resp, err := d.contentCall(ctx, token, "/2/files/upload", arg, bytes.NewReader(data))
	if err != nil {
		return "", err
	}

	return fileID(resp)
}

func (d *Dropbox) uploadChunked(ctx context.Context, token, remotePath string, f *os.File, size int64) (string, error) {
	buf := make([]byte, dropboxChunkSize)

	if _, err := io.ReadFull(f, buf); err != nil {
		return "", fmt.Errorf("dropbox: reading first chunk: %w", err)
	}

	resp, err := d.contentCall(ctx, token, "/2/files/upload_session/start",
		map[string]any{"close": false}, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	var session struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(resp, &session); err != nil {
		return "", fmt.Errorf("dropbox: decoding session start: %w", err)
	}

	offset := int64(dropboxChunkSize)
	for {
		remaining := size - offset
		n := remaining
		if n > dropboxChunkSize {
			n = dropboxChunkSize
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(f, chunk); err != nil {
			return "", fmt.Errorf("dropbox: reading chunk at %d: %w", offset, err)
		}

		cursor := map[string]any{"session_id": session.SessionID, "offset": offset}

		if remaining <= dropboxChunkSize {
			commit := map[string]any{"path": remotePath, "mode": "add", "autorename": true}
			resp, err := d.contentCall(ctx, token, "/2/files/upload_session/finish",
				map[string]any{"cursor": cursor, "commit": commit}, bytes.NewReader(chunk))
			if err != nil {
				return "", err
			}
			return fileID(resp)
		}

		if _, err := d.contentCall(ctx, token, "/2/files/upload_session/append_v2",
			map[string]any{"cursor": cursor, "close": false}, bytes.NewReader(chunk)); err != nil {
			return "", err
		}
		offset += n
	}
}

// contentCall performs one content-endpoint request and returns the raw
// response body.
func (d *Dropbox) contentCall(ctx context.Context, token, apiPath string, arg any, body io.Reader) ([]byte, error) {
	contentURL := d.ContentURL
	if contentURL == "" {
		contentURL = defaultDropboxContentURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(contentURL, "/")+apiPath, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")

	argJSON, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("dropbox: encoding api arg: %w", err)
	}
	req.Header.Set("Dropbox-API-Arg", headerSafeJSON(argJSON))

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("dropbox: calling %s: %w", apiPath, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("dropbox: reading response of %s: %w", apiPath, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dropbox: %s returned %d: %s", apiPath, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	return payload, nil
}

func fileID(metadata []byte) (string, error) {
	var meta struct {
		ID          string `json:"id"`
		PathDisplay string `json:"path_display"`
	}
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return "", fmt.Errorf("dropbox: decoding file metadata: %w", err)
	}
	if meta.ID != "" {
		return meta.ID, nil
	}
	return meta.PathDisplay, nil
}

// headerSafeJSON escapes non-ASCII characters, which the Dropbox-API-Arg
// header does not accept raw. Runes outside the BMP become surrogate pairs.
func headerSafeJSON(b []byte) string {
	var sb strings.Builder
	for _, r := range string(b) {
		switch {
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&sb, "\\u%04x\\u%04x", hi, lo)
		case r > 0x7e:
			fmt.Fprintf(&sb, "\\u%04x", r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func (d *Dropbox) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Minute}
}
