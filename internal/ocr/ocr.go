// Package ocr turns scanned PDFs into searchable ones through an Azure
// Document Intelligence compatible REST endpoint, using the prebuilt-read
// model with PDF output.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const (
	apiVersion = "2024-11-30"
	modelID    = "prebuilt-read"
)

// ErrPollTimeout is returned when the analysis operation does not reach a
// final state within the configured number of poll attempts.
var ErrPollTimeout = errors.New("ocr: analysis did not finish in time")

// Result is the outcome of a completed analysis.
type Result struct {
	// Text is the recognized plain text of the whole document.
	Text string
	// PDF is the searchable PDF with the text layer embedded.
	PDF []byte
}

// Client drives the analyze / poll / fetch cycle of the OCR service.
type Client struct {
	Endpoint        string
	APIKey          string
	PollInterval    time.Duration
	PollMaxAttempts int

	HTTPClient *http.Client
}

type analyzeStatus struct {
	Status string `json:"status"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	AnalyzeResult *struct {
		Content string `json:"content"`
	} `json:"analyzeResult"`
}

// Analyze submits the PDF at filePath, waits for the operation to finish,
// and returns the recognized text together with the searchable PDF.
func (c *Client) Analyze(ctx context.Context, filePath string) (*Result, error) {
	if c.Endpoint == "" {
		return nil, fmt.Errorf("ocr: endpoint required")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("ocr: reading input: %w", err)
	}

	opLocation, err := c.submit(ctx, data)
	if err != nil {
		return nil, err
	}

	status, err := c.waitForCompletion(ctx, opLocation)
	if err != nil {
		return nil, err
	}

	resultID, err := resultIDFromLocation(opLocation)
	if err != nil {
		return nil, err
	}

	pdf, err := c.fetchSearchablePDF(ctx, resultID)
	if err != nil {
		return nil, err
	}

	var text string
	if status.AnalyzeResult != nil {
		text = status.AnalyzeResult.Content
	}

	return &Result{Text: text, PDF: pdf}, nil
}

func (c *Client) submit(ctx context.Context, document []byte) (string, error) {
	analyzeURL := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s&output=pdf",
		strings.TrimSuffix(c.Endpoint, "/"), modelID, apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, analyzeURL, bytes.NewReader(document))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.APIKey)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr: submitting document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ocr: analyze returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	opLocation := resp.Header.Get("Operation-Location")
	if opLocation == "" {
		return "", fmt.Errorf("ocr: analyze response missing Operation-Location header")
	}

	return opLocation, nil
}

func (c *Client) waitForCompletion(ctx context.Context, opLocation string) (*analyzeStatus, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	attempts := c.PollMaxAttempts
	if attempts <= 0 {
		attempts = 60
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval):
			}
		}

		status, err := c.pollOnce(ctx, opLocation)
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case "succeeded":
			return status, nil
		case "failed":
			msg := "analysis failed"
			if status.Error != nil {
				msg = status.Error.Message
			}
			return nil, fmt.Errorf("ocr: %s", msg)
		}
	}

	return nil, ErrPollTimeout
}

func (c *Client) pollOnce(ctx context.Context, opLocation string) (*analyzeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opLocation, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.APIKey)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr: polling operation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocr: poll returned %d", resp.StatusCode)
	}

	var status analyzeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("ocr: decoding poll response: %w", err)
	}

	return &status, nil
}

func (c *Client) fetchSearchablePDF(ctx context.Context, resultID string) ([]byte, error) {
	pdfURL := fmt.Sprintf("%s/documentintelligence/documentModels/%s/analyzeResults/%s/pdf?api-version=%s",
		strings.TrimSuffix(c.Endpoint, "/"), modelID, resultID, apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.APIKey)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr: fetching searchable pdf: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocr: pdf fetch returned %d", resp.StatusCode)
	}

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ocr: reading searchable pdf: %w", err)
	}

	return pdf, nil
}

// resultIDFromLocation extracts the result id from an Operation-Location
// URL, whose path ends with .../analyzeResults/{resultId}.
func resultIDFromLocation(opLocation string) (string, error) {
	u, err := url.Parse(opLocation)
	if err != nil {
		return "", fmt.Errorf("ocr: parsing operation location: %w", err)
	}
	id := path.Base(u.Path)
	if id == "" || id == "." || id == "/" {
		return "", fmt.Errorf("ocr: operation location %q has no result id", opLocation)
	}
	return id, nil
}
