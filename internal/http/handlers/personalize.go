package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"personalizer/internal/domain"
	"personalizer/internal/imagegen"
	"personalizer/internal/middleware"
)

const multipartMemory = 8 << 20

type personalizeResponse struct {
	ResultURL string `json:"result_url"`
}

// Personalize accepts the multipart upload, runs the pipeline and returns the
// public URL of the generated image.
func (a *App) Personalize(w http.ResponseWriter, r *http.Request) {
	limit := a.maxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusBadRequest, fmt.Sprintf("Failed to read upload: request exceeds %d MB", limit>>20))
			return
		}
		a.error(w, http.StatusBadRequest, "Failed to read upload: expected multipart/form-data")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	identity, err := formUpload(r, "image_main")
	if err != nil {
		a.error(w, http.StatusBadRequest, "Failed to read upload: "+err.Error())
		return
	}
	reference, err := formUpload(r, "image_optional")
	if err != nil {
		a.error(w, http.StatusBadRequest, "Failed to read upload: "+err.Error())
		return
	}

	req := imagegen.Request{
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Identity:  identity,
		Reference: reference,
		Prompt:    r.FormValue("prompt"),
		Style:     r.FormValue("style"),
		Template:  firstNonEmpty(r.FormValue("template"), r.FormValue("template_id")),
	}
	res, err := a.Pipeline.Personalize(r.Context(), req)
	if err != nil {
		code, detail := failureResponse(err)
		a.error(w, code, detail)
		return
	}
	a.json(w, http.StatusOK, personalizeResponse{ResultURL: res.URL})
}

// formUpload reads a file field. A missing field yields nil.
func formUpload(r *http.Request, field string) (*imagegen.Upload, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return &imagegen.Upload{Data: data, Filename: header.Filename}, nil
}

// failureResponse maps a pipeline failure to a status code and a detail
// naming the failed stage.
func failureResponse(err error) (int, string) {
	var failure *domain.Failure
	if !errors.As(err, &failure) {
		return http.StatusInternalServerError, "Internal error"
	}
	cause := failure.Cause()
	switch {
	case errors.Is(failure.Kind, domain.ErrValidation):
		return http.StatusBadRequest, "Invalid request: " + cause
	case errors.Is(failure.Kind, domain.ErrIOWrite):
		return http.StatusInternalServerError, "Failed to save upload: " + cause
	case errors.Is(failure.Kind, domain.ErrInference):
		return http.StatusInternalServerError, "InstantID error: " + cause
	case errors.Is(failure.Kind, domain.ErrIOCopy):
		return http.StatusInternalServerError, "Failed to copy result image: " + cause
	default:
		return http.StatusInternalServerError, fmt.Sprintf("%s failed: %s", failure.Stage, cause)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
