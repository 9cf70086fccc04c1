package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"personalizer/internal/domain"
	"personalizer/internal/imagegen"
	"personalizer/internal/infra"
	"personalizer/internal/middleware"
	"personalizer/internal/storage"
)

type stubGenerator struct {
	mu     sync.Mutex
	calls  int
	result string
	err    error
	last   imagegen.Generation
}

func (s *stubGenerator) Generate(ctx context.Context, identityPath, referencePath, prompt, style string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = imagegen.Generation{IdentityPath: identityPath, ReferencePath: referencePath, Prompt: prompt, Style: style}
	if s.err != nil {
		return "", s.err
	}
	return s.result, nil
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 10))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type formPart struct {
	field    string
	filename string
	data     []byte
}

func multipartRequest(t *testing.T, parts []formPart) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, p := range parts {
		if p.filename == "" {
			if err := writer.WriteField(p.field, string(p.data)); err != nil {
				t.Fatalf("write field: %v", err)
			}
			continue
		}
		w, err := writer.CreateFormFile(p.field, p.filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := w.Write(p.data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/personalize", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req.WithContext(middleware.ContextWithRequestID(req.Context(), "req-test"))
}

func newTestApp(t *testing.T, gen *stubGenerator, cfg *infra.Config) (*App, string) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if gen.result == "" && gen.err == nil {
		remote := filepath.Join(t.TempDir(), "out.webp")
		if err := os.WriteFile(remote, tinyPNG(t), 0o600); err != nil {
			t.Fatalf("write remote: %v", err)
		}
		gen.result = remote
	}
	pipeline, err := imagegen.NewPipeline(store, gen, nil, nil, imagegen.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if cfg == nil {
		cfg = &infra.Config{ServiceName: "InstantID"}
	}
	return NewApp(cfg, zerolog.Nop(), pipeline, store.Dir()), store.Dir()
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

var resultURLPattern = regexp.MustCompile(`^/generated/result_[0-9a-f]+\.png$`)

func TestPersonalizeHandler(t *testing.T) {
	testCases := []struct {
		name        string
		parts       func(t *testing.T) []formPart
		genErr      error
		wantStatus  int
		wantDetail  string
		wantCalls   int
		wantResults int
		wantFiles   int
	}{{
		name: "identity only uses defaults",
		parts: func(t *testing.T) []formPart {
			return []formPart{{field: "image_main", filename: "child.png", data: tinyPNG(t)}}
		},
		wantStatus:  http.StatusOK,
		wantCalls:   1,
		wantResults: 1,
		wantFiles:   2,
	}, {
		name: "missing image_main",
		parts: func(t *testing.T) []formPart {
			return []formPart{{field: "prompt", data: []byte("hello")}}
		},
		wantStatus: http.StatusBadRequest,
		wantDetail: "image_main is required",
	}, {
		name: "image_main is not an image",
		parts: func(t *testing.T) []formPart {
			return []formPart{{field: "image_main", filename: "notes.txt", data: []byte("plain text, not a picture")}}
		},
		wantStatus: http.StatusBadRequest,
		wantDetail: "not an image",
	}, {
		name: "unknown style",
		parts: func(t *testing.T) []formPart {
			return []formPart{
				{field: "image_main", filename: "child.png", data: tinyPNG(t)},
				{field: "style", data: []byte("Cubism")},
			}
		},
		wantStatus: http.StatusBadRequest,
		wantDetail: "unknown style",
	}, {
		name: "unknown template",
		parts: func(t *testing.T) []formPart {
			return []formPart{
				{field: "image_main", filename: "child.png", data: tinyPNG(t)},
				{field: "template_id", data: []byte("template_1")},
			}
		},
		wantStatus: http.StatusBadRequest,
		wantDetail: "template not found: template_1.png",
	}, {
		name: "inference timeout",
		parts: func(t *testing.T) []formPart {
			return []formPart{{field: "image_main", filename: "child.png", data: tinyPNG(t)}}
		},
		genErr:     fmt.Errorf("%w: %w", domain.ErrInference, context.DeadlineExceeded),
		wantStatus: http.StatusInternalServerError,
		wantDetail: "InstantID error",
		wantCalls:  1,
		wantFiles:  1,
	}, {
		name: "with reference image",
		parts: func(t *testing.T) []formPart {
			return []formPart{
				{field: "image_main", filename: "child.png", data: tinyPNG(t)},
				{field: "image_optional", filename: "pose.png", data: tinyPNG(t)},
				{field: "prompt", data: []byte("a knight")},
				{field: "style", data: []byte("neon")},
			}
		},
		wantStatus:  http.StatusOK,
		wantCalls:   1,
		wantResults: 1,
		wantFiles:   3,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &stubGenerator{err: tc.genErr}
			app, dir := newTestApp(t, gen, nil)

			rr := httptest.NewRecorder()
			app.Personalize(rr, multipartRequest(t, tc.parts(t)))

			if rr.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d; body=%s", rr.Code, tc.wantStatus, rr.Body.String())
			}
			body := decodeBody(t, rr)
			if tc.wantStatus == http.StatusOK {
				if !resultURLPattern.MatchString(body["result_url"]) {
					t.Fatalf("result_url = %q", body["result_url"])
				}
				served := filepath.Join(dir, strings.TrimPrefix(body["result_url"], "/generated/"))
				if _, err := os.Stat(served); err != nil {
					t.Fatalf("published file missing: %v", err)
				}
			} else {
				if body["detail"] == "" || !strings.Contains(body["detail"], tc.wantDetail) {
					t.Fatalf("detail = %q, want it to contain %q", body["detail"], tc.wantDetail)
				}
				if strings.Contains(body["detail"], dir) {
					t.Fatalf("detail leaks storage path: %q", body["detail"])
				}
			}
			if gen.calls != tc.wantCalls {
				t.Fatalf("generator calls = %d, want %d", gen.calls, tc.wantCalls)
			}
			names := dirNames(t, dir)
			if len(names) != tc.wantFiles {
				t.Fatalf("files in output dir = %v, want %d", names, tc.wantFiles)
			}
			results := 0
			for _, n := range names {
				if strings.HasPrefix(n, "result_") {
					results++
				}
			}
			if results != tc.wantResults {
				t.Fatalf("published results = %d, want %d", results, tc.wantResults)
			}
		})
	}
}

func TestPersonalizeDefaultsReachGenerator(t *testing.T) {
	gen := &stubGenerator{}
	app, _ := newTestApp(t, gen, nil)

	rr := httptest.NewRecorder()
	app.Personalize(rr, multipartRequest(t, []formPart{{field: "image_main", filename: "child.png", data: tinyPNG(t)}}))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body=%s", rr.Code, rr.Body.String())
	}
	if gen.last.Prompt != imagegen.DefaultPrompt || gen.last.Style != imagegen.DefaultStyle {
		t.Fatalf("unexpected defaults: %+v", gen.last)
	}
	if gen.last.ReferencePath != gen.last.IdentityPath {
		t.Fatalf("reference should fall back to identity: %+v", gen.last)
	}
}

func TestPersonalizeRejectsNonMultipart(t *testing.T) {
	gen := &stubGenerator{}
	app, dir := newTestApp(t, gen, nil)

	req := httptest.NewRequest(http.MethodPost, "/personalize", strings.NewReader(`{"prompt":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	app.Personalize(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if gen.calls != 0 || len(dirNames(t, dir)) != 0 {
		t.Fatalf("nothing should be written or generated")
	}
}

func TestPersonalizeRejectsOversizedUpload(t *testing.T) {
	gen := &stubGenerator{}
	app, dir := newTestApp(t, gen, &infra.Config{MaxUploadBytes: 1 << 10})

	big := append(tinyPNG(t), bytes.Repeat([]byte{0}, 4<<10)...)
	rr := httptest.NewRecorder()
	app.Personalize(rr, multipartRequest(t, []formPart{{field: "image_main", filename: "big.png", data: big}}))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if !strings.HasPrefix(decodeBody(t, rr)["detail"], "Failed to read upload") {
		t.Fatalf("expected upload read detail")
	}
	if gen.calls != 0 || len(dirNames(t, dir)) != 0 {
		t.Fatalf("nothing should be written or generated")
	}
}

func TestFailureResponse(t *testing.T) {
	pathErr := &os.PathError{Op: "open", Path: "/srv/secret/generated/x.png", Err: os.ErrPermission}
	tests := []struct {
		err        error
		wantStatus int
		wantPrefix string
	}{
		{domain.NewFailure(domain.StageValidate, domain.ErrValidation, imagegen.ErrMissingImage), http.StatusBadRequest, "Invalid request"},
		{domain.NewFailure(domain.StageIdentity, domain.ErrIOWrite, pathErr), http.StatusInternalServerError, "Failed to save upload"},
		{domain.NewFailure(domain.StageInference, domain.ErrInference, errors.New("boom")), http.StatusInternalServerError, "InstantID error"},
		{domain.NewFailure(domain.StagePublish, domain.ErrIOCopy, pathErr), http.StatusInternalServerError, "Failed to copy result image"},
		{errors.New("unexpected"), http.StatusInternalServerError, "Internal error"},
	}
	for _, tc := range tests {
		code, detail := failureResponse(tc.err)
		if code != tc.wantStatus || !strings.HasPrefix(detail, tc.wantPrefix) {
			t.Fatalf("failureResponse(%v) = %d %q, want %d %q...", tc.err, code, detail, tc.wantStatus, tc.wantPrefix)
		}
		if strings.Contains(detail, "/srv/secret") {
			t.Fatalf("detail leaks path: %q", detail)
		}
	}
}
