package descriptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// Issue is one problem found in a descriptor, with its location when known.
type Issue struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// String formats the issue as file:line:column: message.
func (i Issue) String() string {
	var loc string
	switch {
	case i.File != "" && i.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", i.File, i.Line, i.Column)
	case i.Field != "":
		loc = i.Field + ": "
	}
	return loc + i.Message
}

// ParseError reports every issue found while parsing or validating a descriptor.
type ParseError struct {
	Path   string
	Issues []Issue
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	lines := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		lines = append(lines, issue.String())
	}
	return fmt.Sprintf("descriptor %s: %s", e.Path, strings.Join(lines, "; "))
}

// Loader parses sequence descriptors written in YAML, CUE or JSON and caches
// them by absolute path. It implements engine.DocumentLoader.
type Loader struct {
	logger   zerolog.Logger
	validate *validator.Validate

	// cue.Context is not safe for concurrent use.
	cueMu  sync.Mutex
	cueCtx *cue.Context

	mu    sync.RWMutex
	cache map[string]*engine.Document
}

// NewLoader creates a new descriptor loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "descriptor-loader").Logger(),
		validate: validator.New(),
		cueCtx:   cuecontext.New(),
		cache:    make(map[string]*engine.Document),
	}
}

// Load returns the descriptor at path, parsing it on first use.
func (l *Loader) Load(ctx context.Context, path string) (*engine.Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve descriptor path %s: %w", path, err)
	}

	l.mu.RLock()
	if cached, ok := l.cache[abs]; ok {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}

	doc, err := l.Parse(abs, data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if cached, ok := l.cache[abs]; ok {
		doc = cached
	} else {
		l.cache[abs] = doc
	}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", abs).
		Str("name", doc.Name).
		Int("orders", len(doc.Orders)).
		Int("resources", len(doc.Resources)).
		Msg("Descriptor loaded")

	return doc, nil
}

// Parse decodes and validates a descriptor. The format is chosen from the
// file extension: .yaml and .yml are YAML, .cue and .json are evaluated as CUE.
func (l *Loader) Parse(path string, data []byte) (*engine.Document, error) {
	var (
		doc *engine.Document
		err error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		doc, err = l.parseYAML(path, data)
	case ".cue", ".json":
		doc, err = l.parseCUE(path, data)
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unsupported descriptor format: %s", path), nil)
	}
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid descriptor %s", path), err)
	}

	doc.Path = path
	if err := l.check(path, doc); err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid descriptor %s", path), err)
	}
	return doc, nil
}

func (l *Loader) parseYAML(path string, data []byte) (*engine.Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc engine.Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Path: path, Issues: []Issue{{File: path, Message: "descriptor is empty"}}}
		}
		return nil, &ParseError{Path: path, Issues: yamlIssues(path, err)}
	}
	return &doc, nil
}

func yamlIssues(path string, err error) []Issue {
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		issues := make([]Issue, 0, len(typeErr.Errors))
		for _, msg := range typeErr.Errors {
			issues = append(issues, Issue{File: path, Message: msg})
		}
		return issues
	}
	return []Issue{{File: path, Message: err.Error()}}
}

func (l *Loader) parseCUE(path string, data []byte) (*engine.Document, error) {
	l.cueMu.Lock()
	defer l.cueMu.Unlock()

	val := l.cueCtx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, &ParseError{Path: path, Issues: cueIssues(err)}
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, &ParseError{Path: path, Issues: cueIssues(err)}
	}

	var doc engine.Document
	if err := val.Decode(&doc); err != nil {
		return nil, &ParseError{Path: path, Issues: cueIssues(err)}
	}
	return &doc, nil
}

// cueIssues converts CUE errors into issues with positions.
func cueIssues(err error) []Issue {
	var issues []Issue
	for _, e := range cueerrors.Errors(err) {
		issue := Issue{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			issue.File = pos[0].Filename()
			issue.Line = pos[0].Line()
			issue.Column = pos[0].Column()
		}
		issues = append(issues, issue)
	}
	if len(issues) == 0 {
		issues = append(issues, Issue{Message: err.Error()})
	}
	return issues
}

// check validates the struct tags and the document invariants.
func (l *Loader) check(path string, doc *engine.Document) error {
	if err := l.validate.Struct(doc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			issues := make([]Issue, 0, len(verrs))
			for _, fe := range verrs {
				issues = append(issues, Issue{
					Field:   fe.Namespace(),
					Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
				})
			}
			return &ParseError{Path: path, Issues: issues}
		}
		return err
	}
	return doc.Check()
}

// Invalidate drops the cached descriptor at path.
func (l *Loader) Invalidate(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	l.mu.Lock()
	delete(l.cache, abs)
	l.mu.Unlock()
}

// ClearCache drops every cached descriptor.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]*engine.Document)
	l.logger.Debug().Msg("Descriptor cache cleared")
}
