package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CONNECTOR_MANAGER_WORKERS.
const EnvPrefix = "CONNECTOR"

// ValidationError is a schema violation with its source position.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		fmt.Fprintf(&b, "%s:%d:%d: ", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError collects the schema violations of a document.
type LoadError struct {
	Source string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid configuration %s: %s", e.Source, e.Errors[0])
	}
	msgs := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("invalid configuration %s: %d errors:\n  %s", e.Source, len(e.Errors), strings.Join(msgs, "\n  "))
}

// Loader evaluates configuration documents against the embedded schema.
type Loader struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewLoader compiles the schema.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	return &Loader{
		ctx:      ctx,
		schema:   root.LookupPath(cue.ParsePath("#Config")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Load reads path, or returns the defaults when path is empty.
func Load(path string) (*Config, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// Load reads and evaluates the document at path. An empty path yields the
// schema defaults with environment overrides applied.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		return l.LoadBytes("defaults", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return l.LoadBytes(path, data)
}

// LoadBytes evaluates a CUE (or JSON) document named name.
func (l *Loader) LoadBytes(name string, data []byte) (*Config, error) {
	doc := l.ctx.CompileBytes(data, cue.Filename(name))
	if err := doc.Err(); err != nil {
		return nil, &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}

	val := l.schema.Unify(doc)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}

	raw, err := val.MarshalJSON()
	if err != nil {
		return nil, &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}

	cfg, err := l.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", name, err)
	}
	if err := l.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", name, err)
	}
	return cfg, nil
}

// decode splits the evaluated document: sections go through viper, which
// overlays the environment; secrets and catalog are decoded as JSON so their
// keys keep their case.
func (l *Loader) decode(raw []byte) (*Config, error) {
	var sections map[string]interface{}
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, err
	}
	delete(sections, "secrets")
	delete(sections, "catalog")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.MergeConfigMap(sections); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	var verbatim struct {
		Secrets map[string]string `json:"secrets"`
		Catalog CatalogConfig     `json:"catalog"`
	}
	if err := json.Unmarshal(raw, &verbatim); err != nil {
		return nil, err
	}
	cfg.Secrets = verbatim.Secrets
	if cfg.Secrets == nil {
		cfg.Secrets = make(map[string]string)
	}
	cfg.Catalog = verbatim.Catalog
	return cfg, nil
}

// LoadDotEnv exports the variables in the given .env files into the process
// environment. Variables already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
