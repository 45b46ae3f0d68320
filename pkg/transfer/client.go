// Package transfer fetches remote source artifacts to local paths. The
// primary catalog is served over HTTPS; s3:// mirrors are also supported.
package transfer

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/smartvm/imgderive/pkg/errors"
)

// Result contains fetch metadata.
type Result struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Client downloads artifacts by URL scheme.
type Client struct {
	httpClient *http.Client
	s3Region   string
	s3         *S3Client
}

// NewClient creates a transfer client. With insecure set, TLS certificate
// validation is disabled on HTTPS fetches. The upstream tooling has always
// run this way; it stays configurable so operators can turn it off.
func NewClient(insecure bool, s3Region string) *Client {
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		s3Region:   s3Region,
	}
}

// Fetch downloads rawURL to localPath and computes its SHA256.
func (c *Client) Fetch(ctx context.Context, rawURL, localPath string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse source URL")
	}

	switch u.Scheme {
	case "http", "https":
		return c.fetchHTTP(ctx, rawURL, localPath)
	case "s3":
		if c.s3 == nil {
			c.s3, err = NewS3Client(ctx, c.s3Region)
			if err != nil {
				return nil, err
			}
		}
		return c.s3.Fetch(ctx, u.Host, u.Path, localPath)
	default:
		return nil, fmt.Errorf("unsupported source URL scheme %q", u.Scheme)
	}
}

func (c *Client) fetchHTTP(ctx context.Context, rawURL, localPath string) (*Result, error) {
	if t, ok := c.httpClient.Transport.(*http.Transport); ok && t.TLSClientConfig != nil && t.TLSClientConfig.InsecureSkipVerify {
		slog.Warn("transfer_insecure", "url", rawURL, "reason", "tls_verification_disabled")
	}
	slog.Info("download_start", "url", rawURL, "local_path", localPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch artifact")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}

	return writeLocal(resp.Body, localPath, rawURL)
}

// writeLocal streams body to localPath, hashing as it copies.
func writeLocal(body io.Reader, localPath, source string) (*Result, error) {
	f, err := os.Create(localPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to download artifact")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("download_complete", "source", source, "size_mb", size/1024/1024, "sha256", checksum[:16]+"...")

	return &Result{LocalPath: localPath, SHA256: checksum, Size: size}, nil
}
