// Package documents turns user supplied files into plain text document context, either
// through the document extraction service or by reading plain text files directly.
package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// MaxUploadSize matches the extraction service's upload limit.
const MaxUploadSize = 10 << 20

const requestTimeout = 60 * time.Second

var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrDocumentTooLarge    = errors.New("document exceeds upload limit")
	ErrEmptyDocument       = errors.New("no text could be extracted from the document")
	ErrDocumentService     = errors.New("document service failed")
)

const plainText = "text/plain"

type Document struct {
	Filename       string `json:"filename"`
	Text           string `json:"text"`
	WordCount      int    `json:"wordCount"`
	CharacterCount int    `json:"characterCount"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to the document service. Without a service URL only plain text files
// are accepted and they are read locally.
type Client struct {
	logger  shared.LoggerAdapter
	client  *fasthttp.Client
	baseURL *url.URL
}

func NewClient(logger shared.LoggerAdapter, serviceURL string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	c := &Client{
		logger: logger.With(zap.String("component", "documents")),
		client: &fasthttp.Client{MaxResponseBodySize: 4 * MaxUploadSize},
	}
	if serviceURL != "" {
		u, err := url.Parse(serviceURL)
		if err != nil {
			return nil, fmt.Errorf("parsing document service URL: %w", err)
		}
		c.baseURL = u
	}
	return c, nil
}

// Remote reports whether extraction is delegated to the document service.
func (c *Client) Remote() bool {
	return c.baseURL != nil
}

func (c *Client) ProcessDocument(ctx context.Context, path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("inspecting document: %w", err)
	}
	if info.Size() > MaxUploadSize {
		return nil, fmt.Errorf("%s is %d bytes: %w", filepath.Base(path), info.Size(), ErrDocumentTooLarge)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	mimeType := detectType(path)

	if !c.Remote() {
		if mimeType != plainText {
			return nil, fmt.Errorf("%s (%s) needs the document service: %w", filepath.Base(path), mimeType, ErrUnsupportedFileType)
		}
		return newDocument(filepath.Base(path), string(data))
	}
	return c.upload(ctx, filepath.Base(path), mimeType, data)
}

func (c *Client) upload(ctx context.Context, filename, mimeType string, data []byte) (*Document, error) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	headers := textproto.MIMEHeader{}
	headers.Set("Content-Disposition", fmt.Sprintf(`form-data; name="document"; filename=%q`, filename))
	headers.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(headers)
	if err != nil {
		return nil, fmt.Errorf("creating document part: %w", err)
	}
	if _, err = part.Write(data); err != nil {
		return nil, fmt.Errorf("writing document part: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL.JoinPath("/process-document").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBody(body.Bytes())

	if err := shared.DoContext(ctx, c.client, req, resp, requestTimeout); err != nil {
		return nil, fmt.Errorf("uploading document: %v: %w", err, ErrDocumentService)
	}
	if !shared.IsSuccess(resp.StatusCode()) {
		return nil, serviceError(resp)
	}
	doc := new(Document)
	if err := sonic.Unmarshal(resp.Body(), doc); err != nil {
		return nil, fmt.Errorf("decoding document response: %v: %w", err, ErrDocumentService)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return nil, fmt.Errorf("%s: %w", filename, ErrEmptyDocument)
	}
	c.logger.Info("document processed",
		zap.String("filename", doc.Filename),
		zap.Int("words", doc.WordCount),
		zap.Int("characters", doc.CharacterCount))
	return doc, nil
}

// SupportedFileTypes maps MIME types to display names.
func (c *Client) SupportedFileTypes(ctx context.Context) (map[string]string, error) {
	if !c.Remote() {
		return map[string]string{plainText: "Plain text (TXT)"}, nil
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL.JoinPath("/supported-file-types").String())
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := shared.DoContext(ctx, c.client, req, resp, requestTimeout); err != nil {
		return nil, fmt.Errorf("listing supported file types: %v: %w", err, ErrDocumentService)
	}
	if !shared.IsSuccess(resp.StatusCode()) {
		return nil, serviceError(resp)
	}
	types := make(map[string]string)
	if err := sonic.Unmarshal(resp.Body(), &types); err != nil {
		return nil, fmt.Errorf("decoding supported file types: %v: %w", err, ErrDocumentService)
	}
	return types, nil
}

func serviceError(resp *fasthttp.Response) error {
	var body errorResponse
	if err := sonic.Unmarshal(resp.Body(), &body); err == nil && body.Error != "" {
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode(), body.Error, ErrDocumentService)
	}
	return fmt.Errorf("unexpected status code: %d, body: %s: %w", resp.StatusCode(), string(resp.Body()), ErrDocumentService)
}

func newDocument(filename, text string) (*Document, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%s: %w", filename, ErrEmptyDocument)
	}
	return &Document{
		Filename:       filename,
		Text:           text,
		WordCount:      len(strings.Fields(text)),
		CharacterCount: utf8.RuneCountInString(text),
	}, nil
}

func detectType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".txt", ".text", ".md":
		return plainText
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".doc":
		return "application/msword"
	case ".rtf":
		return "text/rtf"
	case ".csv":
		return "text/csv"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mediaType, _, err := mime.ParseMediaType(t); err == nil {
			return mediaType
		}
	}
	return "application/octet-stream"
}
