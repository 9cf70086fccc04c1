package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"personalizer/internal/domain"
	"personalizer/internal/storage"
)

var (
	ErrMissingImage = errors.New("image_main is required")
	ErrNotAnImage   = errors.New("upload is not an image")
)

// Options tunes a Pipeline.
type Options struct {
	// DefaultPrompt replaces empty prompts. DefaultPrompt (the constant) is
	// used when this is blank.
	DefaultPrompt string
	// InferenceTimeout bounds the remote call. Zero means no bound beyond
	// the request context.
	InferenceTimeout time.Duration
	// MaxConcurrentInference caps concurrent remote calls. Zero means
	// unlimited.
	MaxConcurrentInference int
	Logger                 zerolog.Logger
}

// Pipeline drives one personalization: persist the identity image, resolve
// the reference, call the generator and publish the result. It keeps no
// per-request state and is safe for concurrent use.
type Pipeline struct {
	store         ArtifactStore
	generator     Generator
	styles        *StyleCatalog
	templates     *TemplateCatalog
	defaultPrompt string
	timeout       time.Duration
	limiter       chan struct{}
	logger        zerolog.Logger
}

func NewPipeline(store ArtifactStore, generator Generator, styles *StyleCatalog, templates *TemplateCatalog, opts Options) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("imagegen: artifact store is required")
	}
	if generator == nil {
		return nil, errors.New("imagegen: generator is required")
	}
	if styles == nil {
		var err error
		if styles, err = NewStyleCatalog(StyleNames, DefaultStyle); err != nil {
			return nil, err
		}
	}
	if templates == nil {
		templates = NewTemplateCatalog("")
	}
	p := &Pipeline{
		store:         store,
		generator:     generator,
		styles:        styles,
		templates:     templates,
		defaultPrompt: NormalizePrompt(opts.DefaultPrompt, DefaultPrompt),
		timeout:       opts.InferenceTimeout,
		logger:        opts.Logger,
	}
	if opts.MaxConcurrentInference > 0 {
		p.limiter = make(chan struct{}, opts.MaxConcurrentInference)
	}
	return p, nil
}

// Styles exposes the style catalog.
func (p *Pipeline) Styles() *StyleCatalog { return p.styles }

// Templates exposes the template catalog.
func (p *Pipeline) Templates() *TemplateCatalog { return p.templates }

// Personalize runs the pipeline. Every error it returns is a *domain.Failure.
func (p *Pipeline) Personalize(ctx context.Context, req Request) (*Result, error) {
	log := p.logger.With().Str("request_id", req.RequestID).Logger()

	prompt, style, templatePath, err := p.validate(req)
	if err != nil {
		return nil, p.fail(log, domain.StageValidate, domain.ErrValidation, err)
	}

	identity, err := p.store.Persist(ctx, req.Identity.Data, storage.RoleIdentity)
	if err != nil {
		return nil, p.fail(log, domain.StageIdentity, domain.ErrIOWrite, err)
	}
	log.Debug().Str("file", identity.Name).Msg("identity image saved")

	referencePath, degraded := p.resolveReference(ctx, log, req.Reference, identity, templatePath)

	resultPath, err := p.infer(ctx, Generation{
		IdentityPath:  identity.Path,
		ReferencePath: referencePath,
		Prompt:        prompt,
		Style:         style,
	})
	if err != nil {
		return nil, p.fail(log, domain.StageInference, domain.ErrInference, err)
	}
	log.Debug().Msg("inference completed")

	artifact, err := p.store.Publish(ctx, resultPath)
	if err != nil {
		return nil, p.fail(log, domain.StagePublish, domain.ErrIOCopy, err)
	}
	log.Info().Str("file", artifact.Name).Str("style", style).Bool("degraded", degraded).Msg("personalization published")

	return &Result{
		URL:       PublicPrefix + artifact.Name,
		Artifact:  artifact,
		Identity:  identity,
		Reference: referencePath,
		Degraded:  degraded,
	}, nil
}

func (p *Pipeline) validate(req Request) (prompt, style, templatePath string, err error) {
	if req.Identity == nil || len(req.Identity.Data) == 0 {
		return "", "", "", ErrMissingImage
	}
	if !isImage(req.Identity.Data) {
		return "", "", "", fmt.Errorf("%w: image_main", ErrNotAnImage)
	}
	if req.Reference != nil && len(req.Reference.Data) > 0 && !isImage(req.Reference.Data) {
		return "", "", "", fmt.Errorf("%w: image_optional", ErrNotAnImage)
	}
	style, err = p.styles.Resolve(req.Style)
	if err != nil {
		return "", "", "", err
	}
	templatePath, err = p.templates.Resolve(req.Template)
	if err != nil {
		return "", "", "", err
	}
	return NormalizePrompt(req.Prompt, p.defaultPrompt), style, templatePath, nil
}

// resolveReference picks the reference image path. A failed reference write
// degrades to the identity path instead of failing the request.
func (p *Pipeline) resolveReference(ctx context.Context, log zerolog.Logger, ref *Upload, identity storage.StoredFile, templatePath string) (string, bool) {
	if ref == nil || len(ref.Data) == 0 {
		if templatePath != "" {
			return templatePath, false
		}
		return identity.Path, false
	}
	stored, err := p.store.Persist(ctx, ref.Data, storage.RoleReference)
	if err != nil {
		log.Warn().Err(err).Str("stage", domain.StageReference).Msg("reference image not saved, using identity image")
		return identity.Path, true
	}
	log.Debug().Str("file", stored.Name).Msg("reference image saved")
	return stored.Path, false
}

func (p *Pipeline) infer(ctx context.Context, g Generation) (string, error) {
	if p.limiter != nil {
		select {
		case p.limiter <- struct{}{}:
			defer func() { <-p.limiter }()
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for inference slot: %w", ctx.Err())
		}
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	path, err := p.generator.Generate(ctx, g.IdentityPath, g.ReferencePath, g.Prompt, g.Style)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && p.timeout > 0 {
			return "", fmt.Errorf("timeout after %s: %w", p.timeout, err)
		}
		return "", err
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.New("generator returned no result")
	}
	return path, nil
}

func (p *Pipeline) fail(log zerolog.Logger, stage string, kind, err error) error {
	f := domain.NewFailure(stage, kind, err)
	evt := log.Error()
	if errors.Is(kind, domain.ErrValidation) {
		evt = log.Info()
	}
	evt.Err(err).Str("stage", stage).Msg("personalization failed")
	return f
}

// isImage rejects payloads sniffed as a known non-image type. Binary formats
// the sniffer does not know (HEIC and AVIF from phones) are let through for
// the remote model to decide.
func isImage(data []byte) bool {
	ct := http.DetectContentType(data)
	return strings.HasPrefix(ct, "image/") || ct == "application/octet-stream"
}
