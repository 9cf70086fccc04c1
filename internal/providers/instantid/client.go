package instantid

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"personalizer/internal/domain"
)

const (
	// DefaultSpace is the Hugging Face space hosting the model.
	DefaultSpace = "InstantX/InstantID"
	// DefaultAPIPrefix is the route prefix of Gradio 5 apps.
	DefaultAPIPrefix = "/gradio_api"
	// DefaultEndpoint is the named API of the space.
	DefaultEndpoint = "/generate_image"
)

// Options configures the InstantID client.
type Options struct {
	Space          string
	BaseURL        string
	APIPrefix      string
	Endpoint       string
	Token          string
	DownloadDir    string
	Params         *Params
	HTTPClient     *http.Client
	Logger         *zerolog.Logger
	RequestTimeout time.Duration
}

// Client calls the InstantID Gradio space over its HTTP API. It holds only
// immutable configuration and is safe for concurrent use.
type Client struct {
	baseURL     string
	apiPrefix   string
	endpoint    string
	token       string
	downloadDir string
	params      Params
	httpClient  *http.Client
	logger      zerolog.Logger
}

type fileData struct {
	Path     string         `json:"path"`
	URL      string         `json:"url,omitempty"`
	OrigName string         `json:"orig_name,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

type callRequest struct {
	Data []any `json:"data"`
}

type callResponse struct {
	EventID string `json:"event_id"`
}

// NewClient constructs a client. No network call is made.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		space := strings.TrimSpace(opts.Space)
		if space == "" {
			space = DefaultSpace
		}
		var err error
		if baseURL, err = SpaceURL(space); err != nil {
			return nil, err
		}
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("instantid: invalid base url %q: %w", baseURL, err)
	}
	prefix := strings.TrimSpace(opts.APIPrefix)
	if prefix == "-" {
		prefix = ""
	} else if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	if prefix != "" {
		prefix = "/" + strings.Trim(prefix, "/")
	}
	endpoint := strings.Trim(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		endpoint = strings.Trim(DefaultEndpoint, "/")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	params := DefaultParams()
	if opts.Params != nil {
		params = opts.Params.clone()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	downloadDir := strings.TrimSpace(opts.DownloadDir)
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}
	return &Client{
		baseURL:     baseURL,
		apiPrefix:   prefix,
		endpoint:    endpoint,
		token:       strings.TrimSpace(opts.Token),
		downloadDir: downloadDir,
		params:      params,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// SpaceURL maps a space id such as "InstantX/InstantID" to its direct host
// https://instantx-instantid.hf.space.
func SpaceURL(space string) (string, error) {
	space = strings.TrimSpace(space)
	if strings.HasPrefix(space, "http://") || strings.HasPrefix(space, "https://") {
		return strings.TrimRight(space, "/"), nil
	}
	owner, name, ok := strings.Cut(space, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("instantid: invalid space id %q", space)
	}
	host := strings.NewReplacer("_", "-", ".", "-").Replace(strings.ToLower(owner + "-" + name))
	return "https://" + host + ".hf.space", nil
}

// BaseURL returns the resolved space URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Generate uploads both images, runs the generation endpoint and downloads the
// first generated image to a local temp file whose path is returned. Every
// failure wraps domain.ErrInference; nothing is retried.
func (c *Client) Generate(ctx context.Context, identityPath, referencePath, prompt, style string) (string, error) {
	out, err := c.generate(ctx, identityPath, referencePath, prompt, style)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInference, err)
	}
	return out, nil
}

func (c *Client) generate(ctx context.Context, identityPath, referencePath, prompt, style string) (string, error) {
	if c == nil {
		return "", errors.New("instantid: client not configured")
	}
	identityPath = strings.TrimSpace(identityPath)
	referencePath = strings.TrimSpace(referencePath)
	if identityPath == "" {
		return "", errors.New("instantid: identity image is required")
	}
	if referencePath == "" {
		referencePath = identityPath
	}

	local := []string{identityPath}
	if referencePath != identityPath {
		local = append(local, referencePath)
	}
	remote, err := c.upload(ctx, local)
	if err != nil {
		return "", err
	}
	face := remote[0]
	pose := face
	if len(remote) > 1 {
		pose = remote[1]
	}

	start := time.Now()
	eventID, err := c.call(ctx, c.params.arguments(face, pose, prompt, style))
	if err != nil {
		return "", err
	}
	payload, err := c.await(ctx, eventID)
	if err != nil {
		return "", err
	}
	result, err := firstFile(payload)
	if err != nil {
		return "", err
	}
	outPath, err := c.download(ctx, result)
	if err != nil {
		return "", err
	}
	c.logger.Debug().
		Str("event_id", eventID).
		Str("style", style).
		Dur("elapsed", time.Since(start)).
		Msg("instantid: generated image")
	return outPath, nil
}

func (c *Client) apiURL(parts ...string) string {
	return c.baseURL + c.apiPrefix + "/" + strings.Join(parts, "/")
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) upload(ctx context.Context, paths []string) ([]fileData, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, p := range paths {
		if err := addFilePart(writer, p); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("instantid: close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.apiURL("upload"), body)
	if err != nil {
		return nil, fmt.Errorf("instantid: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	raw, err := c.do(req, "upload")
	if err != nil {
		return nil, err
	}
	var remote []string
	if err := json.Unmarshal(raw, &remote); err != nil {
		return nil, fmt.Errorf("instantid: decode upload response: %w", err)
	}
	if len(remote) != len(paths) {
		return nil, fmt.Errorf("instantid: upload returned %d files, want %d", len(remote), len(paths))
	}
	files := make([]fileData, len(remote))
	for i, r := range remote {
		files[i] = fileData{
			Path:     r,
			OrigName: filepath.Base(paths[i]),
			Meta:     map[string]any{"_type": "gradio.FileData"},
		}
	}
	return files, nil
}

func addFilePart(writer *multipart.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("instantid: open input: %w", err)
	}
	defer f.Close()
	part, err := writer.CreateFormFile("files", filepath.Base(p))
	if err != nil {
		return fmt.Errorf("instantid: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("instantid: read input: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, data []any) (string, error) {
	body, err := json.Marshal(callRequest{Data: data})
	if err != nil {
		return "", fmt.Errorf("instantid: encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.apiURL("call", c.endpoint), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("instantid: build call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.do(req, "call")
	if err != nil {
		return "", err
	}
	var out callResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("instantid: decode call response: %w", err)
	}
	if strings.TrimSpace(out.EventID) == "" {
		return "", errors.New("instantid: missing event id")
	}
	return out.EventID, nil
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instantid: %s request: %w", op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("instantid: read %s response: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("instantid: %s status %d: %s", op, resp.StatusCode, remoteMessage(raw))
	}
	return raw, nil
}

// await reads the server-sent event stream of a queued call until it
// completes or fails.
func (c *Client) await(ctx context.Context, eventID string) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.apiURL("call", c.endpoint, url.PathEscape(eventID)), nil)
	if err != nil {
		return nil, fmt.Errorf("instantid: build result request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instantid: result request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("instantid: result status %d: %s", resp.StatusCode, remoteMessage(raw))
	}

	reader := bufio.NewReader(resp.Body)
	var event string
	var data strings.Builder
	for {
		line, readErr := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "" && (event != "" || data.Len() > 0):
			payload, done, err := dispatch(event, data.String())
			if done || err != nil {
				return payload, err
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		if readErr != nil {
			if event != "" || data.Len() > 0 {
				if payload, done, err := dispatch(event, data.String()); done || err != nil {
					return payload, err
				}
			}
			if errors.Is(readErr, io.EOF) {
				return nil, errors.New("instantid: result stream ended without a result")
			}
			return nil, fmt.Errorf("instantid: read result stream: %w", readErr)
		}
	}
}

func dispatch(event, data string) (json.RawMessage, bool, error) {
	switch event {
	case "complete":
		return json.RawMessage(data), true, nil
	case "error":
		return nil, true, fmt.Errorf("instantid: remote error: %s", remoteMessage([]byte(data)))
	default:
		return nil, false, nil
	}
}

// firstFile extracts the canonical result from a [generated_image, tips]
// payload: the first element, or the first entry of it when it is a list.
func firstFile(payload json.RawMessage) (fileData, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return fileData{}, fmt.Errorf("instantid: decode result: %w", err)
	}
	if len(items) == 0 {
		return fileData{}, errors.New("instantid: empty result")
	}
	return fileFrom(items[0], 0)
}

func fileFrom(raw json.RawMessage, depth int) (fileData, error) {
	raw = bytes.TrimSpace(raw)
	if depth > 3 || len(raw) == 0 {
		return fileData{}, errors.New("instantid: result has no image")
	}
	switch raw[0] {
	case '"':
		var p string
		if err := json.Unmarshal(raw, &p); err != nil {
			return fileData{}, fmt.Errorf("instantid: decode result path: %w", err)
		}
		if strings.TrimSpace(p) == "" {
			return fileData{}, errors.New("instantid: result has no image")
		}
		return fileData{Path: p}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fileData{}, fmt.Errorf("instantid: decode result list: %w", err)
		}
		if len(items) == 0 {
			return fileData{}, errors.New("instantid: result has no image")
		}
		return fileFrom(items[0], depth+1)
	case '{':
		var obj struct {
			fileData
			Image json.RawMessage `json:"image"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return fileData{}, fmt.Errorf("instantid: decode result file: %w", err)
		}
		if obj.Path != "" || obj.URL != "" {
			return obj.fileData, nil
		}
		if len(obj.Image) > 0 {
			return fileFrom(obj.Image, depth+1)
		}
	}
	return fileData{}, errors.New("instantid: result has no image")
}

func (c *Client) fileURL(f fileData) (string, error) {
	if u := strings.TrimSpace(f.URL); u != "" {
		parsed, err := url.Parse(u)
		if err != nil {
			return "", fmt.Errorf("instantid: invalid result url: %w", err)
		}
		if parsed.IsAbs() {
			return parsed.String(), nil
		}
		base, _ := url.Parse(c.baseURL + "/")
		return base.ResolveReference(parsed).String(), nil
	}
	return c.baseURL + c.apiPrefix + "/file=" + f.Path, nil
}

func (c *Client) download(ctx context.Context, f fileData) (string, error) {
	target, err := c.fileURL(f)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("instantid: build download request: %w", err)
	}
	// The token only goes to the configured space.
	if c.token != "" && c.sameOrigin(req.URL) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("instantid: download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("instantid: download status %d", resp.StatusCode)
	}

	out, err := os.CreateTemp(c.downloadDir, "instantid-*"+resultExt(f))
	if err != nil {
		return "", fmt.Errorf("instantid: create result file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("instantid: save result: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("instantid: save result: %w", err)
	}
	return out.Name(), nil
}

func (c *Client) sameOrigin(target *url.URL) bool {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(base.Scheme, target.Scheme) && strings.EqualFold(base.Host, target.Host)
}

func resultExt(f fileData) string {
	for _, name := range []string{f.OrigName, f.Path} {
		ext := strings.ToLower(path.Ext(filepath.ToSlash(name)))
		switch ext {
		case ".png", ".jpg", ".jpeg", ".webp":
			return ext
		}
	}
	return ".png"
}

func remoteMessage(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "no details"
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		for _, m := range []string{obj.Error, obj.Detail, obj.Message} {
			if m != "" {
				return m
			}
		}
	}
	msg := string(trimmed)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}
