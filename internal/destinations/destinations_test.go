package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing test file: %v", err)
	}
	return path
}

func TestDropboxSmallUpload(t *testing.T) {
	var sawTokenForm, sawArg string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			body, _ := io.ReadAll(r.Body)
			sawTokenForm = string(body)
			fmt.Fprint(w, `{"access_token":"tok-1"}`)

		case "/2/files/upload":
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
			}
			sawArg = r.Header.Get("Dropbox-API-Arg")
			body, _ := io.ReadAll(r.Body)
			if string(body) != "small file" {
				t.Errorf("unexpected upload body %q", body)
			}
			fmt.Fprint(w, `{"id":"id:abc123","path_display":"/docs/small.pdf"}`)

		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	d := &Dropbox{
		AppKey:       "key",
		AppSecret:    "secret",
		RefreshToken: "refresh",
		Folder:       "docs",
		TokenURL:     server.URL + "/oauth2/token",
		ContentURL:   server.URL,
	}

	ref, err := d.Upload(context.Background(), writeTestFile(t, "small.pdf", []byte("small file")))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if ref != "id:abc123" {
		t.Errorf("expected file id, got %q", ref)
	}
	for _, part := range []string{"grant_type=refresh_token", "refresh_token=refresh", "client_id=key", "client_secret=secret"} {
		if !strings.Contains(sawTokenForm, part) {
			t.Errorf("token form missing %q: %s", part, sawTokenForm)
		}
	}
	if !strings.Contains(sawArg, `"path":"/docs/small.pdf"`) {
		t.Errorf("unexpected api arg %s", sawArg)
	}
}

func TestDropboxChunkedUpload(t *testing.T) {
	type call struct {
		endpoint string
		size     int
		offset   int64
	}
	var calls []call

	cursorOffset := func(r *http.Request) int64 {
		var arg struct {
			Cursor struct {
				Offset int64 `json:"offset"`
			} `json:"cursor"`
		}
		json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg)
		return arg.Cursor.Offset
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/oauth2/token":
			fmt.Fprint(w, `{"access_token":"tok-1"}`)
		case "/2/files/upload_session/start":
			calls = append(calls, call{"start", len(body), 0})
			fmt.Fprint(w, `{"session_id":"sess-1"}`)
		case "/2/files/upload_session/append_v2":
			calls = append(calls, call{"append", len(body), cursorOffset(r)})
			fmt.Fprint(w, `{}`)
		case "/2/files/upload_session/finish":
			calls = append(calls, call{"finish", len(body), cursorOffset(r)})
			fmt.Fprint(w, `{"id":"id:big999"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	// Two full chunks plus a 100 byte tail.
	data := bytes.Repeat([]byte("x"), 2*dropboxChunkSize+100)
	path := writeTestFile(t, "big.pdf", data)

	d := &Dropbox{
		Folder:     "docs",
		TokenURL:   server.URL + "/oauth2/token",
		ContentURL: server.URL,
	}

	ref, err := d.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref != "id:big999" {
		t.Errorf("expected file id, got %q", ref)
	}

	want := []call{
		{"start", dropboxChunkSize, 0},
		{"append", dropboxChunkSize, dropboxChunkSize},
		{"finish", 100, 2 * dropboxChunkSize},
	}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %d: %+v", len(want), len(calls), calls)
	}
	for i, w := range want {
		if calls[i] != w {
			t.Errorf("call %d: expected %+v, got %+v", i, w, calls[i])
		}
	}
}

func TestDropboxTokenRefreshFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	d := &Dropbox{TokenURL: server.URL, ContentURL: server.URL}

	_, err := d.Upload(context.Background(), writeTestFile(t, "f.pdf", []byte("x")))
	if err == nil || !strings.Contains(err.Error(), "token refresh returned 400") {
		t.Fatalf("expected token refresh error, got %v", err)
	}
}

func TestNextcloudUpload(t *testing.T) {
	var sawPath, sawUser, sawPass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		sawPath = r.URL.Path
		sawUser, sawPass, _ = r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		if string(body) != "pdf bytes" {
			t.Errorf("unexpected body %q", body)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	n := &Nextcloud{
		UploadURL: server.URL + "/remote.php/dav/files/bot",
		Folder:    "Documents",
		Username:  "bot",
		Password:  "hunter2",
	}

	ref, err := n.Upload(context.Background(), writeTestFile(t, "invoice.pdf", []byte("pdf bytes")))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if ref != "Documents/invoice.pdf" {
		t.Errorf("unexpected remote ref %q", ref)
	}
	if sawPath != "/remote.php/dav/files/bot/Documents/invoice.pdf" {
		t.Errorf("unexpected request path %q", sawPath)
	}
	if sawUser != "bot" || sawPass != "hunter2" {
		t.Errorf("unexpected credentials %s:%s", sawUser, sawPass)
	}
}

func TestNextcloudUploadRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Insufficient Storage", http.StatusInsufficientStorage)
	}))
	defer server.Close()

	n := &Nextcloud{UploadURL: server.URL, Folder: "Documents"}

	_, err := n.Upload(context.Background(), writeTestFile(t, "f.pdf", []byte("x")))
	if err == nil || !strings.Contains(err.Error(), "507") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func newPaperless(serverURL string) *Paperless {
	return &Paperless{
		Host:            serverURL,
		APIToken:        "secret-token",
		PollInterval:    time.Millisecond,
		PollMaxAttempts: 5,
	}
}

func TestPaperlessUpload(t *testing.T) {
	var polls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret-token" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}

		switch r.URL.Path {
		case "/api/documents/post_document/":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("parsing multipart form: %v", err)
			}
			if r.MultipartForm.Value["title"][0] != "invoice.pdf" {
				t.Errorf("unexpected title %v", r.MultipartForm.Value["title"])
			}
			if r.MultipartForm.File["document"][0].Filename != "invoice.pdf" {
				t.Errorf("unexpected document filename")
			}
			fmt.Fprint(w, `"uuid-42"`)

		case "/api/tasks/":
			if r.URL.Query().Get("task_id") != "uuid-42" {
				t.Errorf("unexpected task_id %q", r.URL.Query().Get("task_id"))
			}
			polls++
			if polls < 3 {
				fmt.Fprint(w, `{"results":[{"status":"PENDING"}]}`)
				return
			}
			fmt.Fprint(w, `{"results":[{"status":"SUCCESS","related_document":"317"}]}`)

		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	ref, err := newPaperless(server.URL).Upload(context.Background(), writeTestFile(t, "invoice.pdf", []byte("pdf")))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref != "317" {
		t.Errorf("expected document id 317, got %q", ref)
	}
	if polls != 3 {
		t.Errorf("expected 3 polls, got %d", polls)
	}
}

func TestPaperlessTaskFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/documents/post_document/" {
			fmt.Fprint(w, `"uuid-43"`)
			return
		}
		fmt.Fprint(w, `[{"status":"FAILURE","result":"Not a valid PDF"}]`)
	}))
	defer server.Close()

	_, err := newPaperless(server.URL).Upload(context.Background(), writeTestFile(t, "f.pdf", []byte("x")))
	if err == nil || !strings.Contains(err.Error(), "Not a valid PDF") {
		t.Fatalf("expected task failure error, got %v", err)
	}
	if errors.Is(err, ErrPollTimeout) {
		t.Error("task failure must not be a poll timeout")
	}
}

func TestPaperlessPollTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/documents/post_document/" {
			fmt.Fprint(w, `"uuid-44"`)
			return
		}
		fmt.Fprint(w, `{"results":[{"status":"PENDING"}]}`)
	}))
	defer server.Close()

	p := newPaperless(server.URL)
	p.PollMaxAttempts = 2

	_, err := p.Upload(context.Background(), writeTestFile(t, "f.pdf", []byte("x")))
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}
}

func TestPaperlessPollSurvivesTransportErrors(t *testing.T) {
	var polls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/documents/post_document/" {
			fmt.Fprint(w, `"uuid-45"`)
			return
		}
		polls++
		if polls == 1 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"results":[{"status":"SUCCESS","related_document":"9"}]}`)
	}))
	defer server.Close()

	ref, err := newPaperless(server.URL).Upload(context.Background(), writeTestFile(t, "f.pdf", []byte("x")))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref != "9" {
		t.Errorf("expected document id 9, got %q", ref)
	}
}
