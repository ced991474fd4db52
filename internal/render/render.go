// Package render turns a template file plus collected field values into a
// document artifact on disk. Templates are plain text with {{key}}
// placeholders; party values are addressed as role.field and shared values
// by their field id.
package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/contract-drafting/internal/model"
)

// DocumentRenderer produces a document artifact from a template and the
// fully collected values. Implementations must be deterministic: same
// template, same values, same content.
type DocumentRenderer interface {
	Render(ctx context.Context, templateFile string, values map[string]string) (model.ArtifactRef, error)
}

// placeholderRE matches {{key}} with optional inner whitespace. Keys are
// field ids or role.field pairs.
var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// UnresolvedError reports placeholders present in the template but absent
// from the value map. The build fails as a whole: a document with literal
// {{...}} markers must never reach a signer.
type UnresolvedError struct {
	TemplateFile string
	Placeholders []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("render: template %s has unresolved placeholders: %s",
		e.TemplateFile, strings.Join(e.Placeholders, ", "))
}

// TextRenderer renders plain-text templates from TemplatesDir and writes
// artifacts into ArtifactsDir, one file per build.
type TextRenderer struct {
	TemplatesDir string
	ArtifactsDir string
}

// NewTextRenderer returns a TextRenderer over the two directories. The
// artifacts directory is created on first render.
func NewTextRenderer(templatesDir, artifactsDir string) *TextRenderer {
	return &TextRenderer{TemplatesDir: templatesDir, ArtifactsDir: artifactsDir}
}

// Render substitutes every placeholder and writes the result to a new
// artifact file. Unknown placeholders fail the render with an
// UnresolvedError listing each missing key exactly once.
func (r *TextRenderer) Render(ctx context.Context, templateFile string, values map[string]string) (model.ArtifactRef, error) {
	if err := ctx.Err(); err != nil {
		return model.ArtifactRef{}, err
	}
	path := filepath.Join(r.TemplatesDir, filepath.Clean("/"+templateFile))
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("render: read template %s: %w", templateFile, err)
	}

	missing := map[string]struct{}{}
	out := placeholderRE.ReplaceAllStringFunc(string(raw), func(m string) string {
		key := placeholderRE.FindStringSubmatch(m)[1]
		if v, ok := values[key]; ok {
			return v
		}
		missing[key] = struct{}{}
		return m
	})
	if len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return model.ArtifactRef{}, &UnresolvedError{TemplateFile: templateFile, Placeholders: keys}
	}

	if err := os.MkdirAll(r.ArtifactsDir, 0o755); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("render: ensure artifacts dir: %w", err)
	}
	id := uuid.NewString()
	name := strings.TrimSuffix(filepath.Base(templateFile), filepath.Ext(templateFile))
	artifactPath := filepath.Join(r.ArtifactsDir, fmt.Sprintf("%s-%s.txt", name, id))
	if err := os.WriteFile(artifactPath, []byte(out), 0o644); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("render: write artifact: %w", err)
	}
	return model.ArtifactRef{ID: id, Path: artifactPath, CreatedAt: time.Now().UTC()}, nil
}
