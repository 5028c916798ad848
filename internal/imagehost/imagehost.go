// Package imagehost uploads payment receipts to an external image host and
// returns their public URL.
package imagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/circuitbreaker"
	"github.com/mbd888/swapdesk/internal/metrics"
	"github.com/mbd888/swapdesk/internal/retry"
	"github.com/mbd888/swapdesk/internal/security"
)

// MaxImageSize is the largest accepted receipt.
const MaxImageSize = 5 << 20

var (
	ErrUploadFailed = apperr.New(apperr.KindUpstream, "receipt_upload_failed", "receipt upload failed")
	ErrInvalidImage = apperr.New(apperr.KindValidation, "invalid_receipt", "receipt must be an image of at most 5 MB")
)

// receiptTypes are the sniffed content types accepted as receipts.
var receiptTypes = []string{"image/png", "image/jpeg", "image/webp", "image/gif", "image/heic"}

// Uploader stores an image and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}

// CheckImage rejects empty, oversized and non-image payloads. Vector
// formats are refused.
func CheckImage(data []byte) error {
	if len(data) == 0 || len(data) > MaxImageSize {
		return ErrInvalidImage
	}
	if !mimetype.EqualsAny(mimetype.Detect(data).String(), receiptTypes...) {
		return ErrInvalidImage
	}
	return nil
}

// HTTPUploader talks to an imgbb-compatible API: a multipart POST with the
// file in the "image" field and the API key as a query parameter, answered
// by {"data":{"url":...}}.
type HTTPUploader struct {
	endpoint string
	apiKey   string
	client   *http.Client
	policy   retry.Policy
	breaker  *circuitbreaker.Breaker
}

// NewHTTPUploader creates an uploader for endpoint (for example
// https://api.imgbb.com/1/upload).
func NewHTTPUploader(endpoint, apiKey string) *HTTPUploader {
	return &HTTPUploader{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		policy:  retry.Default,
		breaker: circuitbreaker.New(5, time.Minute),
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (u *HTTPUploader) Breaker() *circuitbreaker.Breaker {
	return u.breaker
}

// Upload implements Uploader.
func (u *HTTPUploader) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	if err := CheckImage(data); err != nil {
		metrics.ReceiptUploadsTotal.WithLabelValues("rejected").Inc()
		return "", err
	}

	body, contentType, err := encodeForm(filename, data)
	if err != nil {
		return "", apperr.Wrap(ErrUploadFailed, err)
	}

	var imageURL string
	err = u.breaker.Execute("upload", func() error {
		return retry.Do(ctx, u.policy, func(ctx context.Context) error {
			got, err := u.post(ctx, body, contentType)
			if err != nil {
				return err
			}
			imageURL = got
			return nil
		})
	})
	if err != nil {
		metrics.ReceiptUploadsTotal.WithLabelValues("error").Inc()
		return "", apperr.Wrap(ErrUploadFailed, err)
	}

	metrics.ReceiptUploadsTotal.WithLabelValues("ok").Inc()
	return imageURL, nil
}

func encodeForm(filename string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	name := filepath.Base(filename)
	if name == "." || name == "/" || name == "" {
		name = "receipt"
	}
	fw, err := mw.CreateFormFile("image", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func (u *HTTPUploader) post(ctx context.Context, body []byte, contentType string) (string, error) {
	target := u.endpoint
	if u.apiKey != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "key=" + url.QueryEscape(u.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("image host request failed: %w", redact(err, u.apiKey))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("image host returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", retry.Permanent(fmt.Errorf("image host returned status %d", resp.StatusCode))
	}

	var result struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return "", retry.Permanent(fmt.Errorf("decode image host response: %w", err))
	}
	if !security.IsHTTPURL(result.Data.URL) {
		return "", retry.Permanent(fmt.Errorf("image host returned invalid url %q", result.Data.URL))
	}
	return result.Data.URL, nil
}

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), url.QueryEscape(secret), "***"))
}
