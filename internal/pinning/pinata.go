package pinning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// PinataProvider pins artifacts to IPFS through the Pinata API
type PinataProvider struct {
	BaseProvider
	baseURL    string
	jwt        string
	httpClient *http.Client
}

// NewPinataProvider creates a Pinata provider authenticated with a JWT
func NewPinataProvider(baseURL, jwt string, httpClient *http.Client) *PinataProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &PinataProvider{
		BaseProvider: BaseProvider{providerType: "pinata"},
		baseURL:      strings.TrimRight(baseURL, "/"),
		jwt:          jwt,
		httpClient:   httpClient,
	}
}

type pinataMetadata struct {
	Name string `json:"name"`
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// PublishImage pins data as a file and returns ipfs://<cid>
func (p *PinataProvider) PublishImage(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreatePart(fileHeader(name, contentType))
	if err != nil {
		return "", fmt.Errorf("failed to create multipart file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write multipart file: %w", err)
	}

	meta, err := json.Marshal(pinataMetadata{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to marshal pin metadata: %w", err)
	}
	if err := writer.WriteField("pinataMetadata", string(meta)); err != nil {
		return "", fmt.Errorf("failed to write pin metadata: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	uri, err := p.pin(ctx, "/pinning/pinFileToIPFS", writer.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}

	slog.Info("certificate image pinned", "name", name, "uri", uri, "bytes", len(data))
	return uri, nil
}

// PublishMetadata pins a JSON document and returns ipfs://<cid>
func (p *PinataProvider) PublishMetadata(ctx context.Context, name string, doc []byte) (string, error) {
	payload, err := json.Marshal(struct {
		PinataContent  json.RawMessage `json:"pinataContent"`
		PinataMetadata pinataMetadata  `json:"pinataMetadata"`
	}{doc, pinataMetadata{Name: name}})
	if err != nil {
		return "", fmt.Errorf("failed to marshal pin request: %w", err)
	}

	uri, err := p.pin(ctx, "/pinning/pinJSONToIPFS", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}

	slog.Info("certificate metadata pinned", "name", name, "uri", uri)
	return uri, nil
}

// HealthCheck verifies the configured credentials
func (p *PinataProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/data/testAuthentication", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.jwt)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pinata unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pinata authentication failed: status %d", resp.StatusCode)
	}
	return nil
}

func (p *PinataProvider) pin(ctx context.Context, path, contentType string, body io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.jwt)
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pinata request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read pinata response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("pinata %s returned status %d: %s", path, resp.StatusCode, truncate(string(respBody), 200))
	}

	var result pinResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode pinata response: %w", err)
	}
	if result.IpfsHash == "" {
		return "", fmt.Errorf("pinata response missing IpfsHash")
	}

	return "ipfs://" + result.IpfsHash, nil
}

func fileHeader(name, contentType string) textproto.MIMEHeader {
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, name)},
		"Content-Type":        {contentType},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
