package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Paperless uploads documents to a Paperless-ngx instance. The post endpoint
// answers with a consume-task UUID; the document id only exists once that
// task has run, so Upload polls the task API until it reaches a final state.
type Paperless struct {
	Host     string
	APIToken string

	PollInterval    time.Duration
	PollMaxAttempts int

	HTTPClient *http.Client
}

type paperlessTask struct {
	Status          string `json:"status"`
	RelatedDocument string `json:"related_document"`
	Result          string `json:"result"`
}

// Name implements Uploader.
func (p *Paperless) Name() string { return "paperless" }

// Upload implements Uploader. The remote reference is the Paperless document
// id assigned after the consume task succeeded.
func (p *Paperless) Upload(ctx context.Context, filePath string) (string, error) {
	taskUUID, err := p.postDocument(ctx, filePath)
	if err != nil {
		return "", err
	}
	return p.pollTask(ctx, taskUUID)
}

func (p *Paperless) postDocument(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("paperless: opening file: %w", err)
	}
	defer f.Close()

	name := filepath.Base(filePath)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="document"; filename="%s"`, name))
	header.Set("Content-Type", "application/pdf")
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("paperless: building form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("paperless: reading file: %w", err)
	}
	if err := writer.WriteField("title", name); err != nil {
		return "", fmt.Errorf("paperless: building form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("paperless: building form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL("/api/documents/post_document/"), &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Token "+p.APIToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("paperless: posting document: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("paperless: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("paperless: post returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	// The endpoint answers with the task UUID as a quoted string.
	taskUUID := strings.Trim(strings.TrimSpace(string(payload)), `"'`)
	if taskUUID == "" {
		return "", fmt.Errorf("paperless: post returned no task id")
	}

	return taskUUID, nil
}

// pollTask watches the consume task until SUCCESS or FAILURE. Transport
// errors consume attempts rather than aborting, since the task keeps running
// server-side regardless.
func (p *Paperless) pollTask(ctx context.Context, taskUUID string) (string, error) {
	interval := p.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	attempts := p.PollMaxAttempts
	if attempts <= 0 {
		attempts = 10
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(interval):
			}
		}

		task, err := p.fetchTask(ctx, taskUUID)
		if err != nil {
			continue
		}
		if task == nil {
			continue
		}

		switch task.Status {
		case "SUCCESS":
			if task.RelatedDocument == "" {
				return "", fmt.Errorf("paperless: task %s succeeded without a document id", taskUUID)
			}
			return task.RelatedDocument, nil
		case "FAILURE":
			return "", fmt.Errorf("paperless: task %s failed: %s", taskUUID, task.Result)
		}
	}

	return "", fmt.Errorf("paperless: task %s: %w", taskUUID, ErrPollTimeout)
}

func (p *Paperless) fetchTask(ctx context.Context, taskUUID string) (*paperlessTask, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL("/api/tasks/?task_id="+taskUUID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+p.APIToken)

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("paperless: task query returned %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	// The task API returns either a bare list or a paginated object.
	var tasks []paperlessTask
	if err := json.Unmarshal(payload, &tasks); err != nil {
		var page struct {
			Results []paperlessTask `json:"results"`
		}
		if err := json.Unmarshal(payload, &page); err != nil {
			return nil, err
		}
		tasks = page.Results
	}

	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

func (p *Paperless) apiURL(path string) string {
	return strings.TrimSuffix(p.Host, "/") + path
}

func (p *Paperless) httpClient() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: time.Minute}
}
