// Package config loads and validates the host configuration of reflectd.
//
// Configuration is read from YAML, merged over Default and validated with
// go-playground/validator. Schema emits the matching JSON Schema.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hostreflect/hostreflect/application/schema"
	domainErrors "github.com/hostreflect/hostreflect/domain/errors"
	"github.com/hostreflect/hostreflect/wireformat"
	"gopkg.in/yaml.v3"
)

// HostConfig is the configuration of one host process.
type HostConfig struct {
	Knobs   map[string]string `yaml:"knobs,omitempty" validate:"dive,keys,required,maxbytes=64,endkeys,maxbytes=192" jsonschema:"description=Named values served to compute images"`
	Log     LogConfig         `yaml:"log"`
	Files   FilesConfig       `yaml:"files"`
	Region  RegionConfig      `yaml:"region"`
	Queue   QueueConfig       `yaml:"queue"`
	Workers int               `yaml:"workers" validate:"min=1,max=256" jsonschema:"minimum=1,maximum=256,default=4"`
}

// RegionConfig selects what backs the shared region.
type RegionConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory wazero" jsonschema:"enum=memory,enum=wazero,default=wazero"`
}

// QueueConfig sizes the request and reply rings.
type QueueConfig struct {
	RequestCapacity uint32 `yaml:"request_capacity" validate:"min=1024,max=16777216,aligned" jsonschema:"minimum=1024,default=16384"`
	ReplyCapacity   uint32 `yaml:"reply_capacity" validate:"min=1024,max=16777216,aligned" jsonschema:"minimum=1024,default=16384"`
}

// FilesConfig configures the file sandbox.
type FilesConfig struct {
	Root            string   `yaml:"root" validate:"required" jsonschema:"description=Directory compute images may open files in"`
	Allow           []string `yaml:"allow,omitempty" validate:"dive,required" jsonschema:"description=Doublestar patterns relative to root"`
	FirstHandle     uint32   `yaml:"first_handle" validate:"min=1" jsonschema:"minimum=1,default=1"`
	ResolveSymlinks bool     `yaml:"resolve_symlinks" jsonschema:"default=true"`
}

// LogConfig configures the host logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format string `yaml:"format" validate:"oneof=text json" jsonschema:"enum=text,enum=json,default=text"`
}

// Default returns the configuration used for any field a file leaves unset.
func Default() HostConfig {
	return HostConfig{
		Region: RegionConfig{Backend: "wazero"},
		Queue: QueueConfig{
			RequestCapacity: 16 * wireformat.MaxMessageSize,
			ReplyCapacity:   16 * wireformat.MaxMessageSize,
		},
		Files: FilesConfig{
			Root:            ".",
			FirstHandle:     1,
			ResolveSymlinks: true,
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Workers: 4,
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*HostConfig, error) {
	//nolint:gosec // G304: path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*HostConfig, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate is a package-level singleton; building a validator is expensive.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("maxbytes", validateMaxBytes)
	_ = v.RegisterValidation("aligned", validateAligned)
	return v
}

// validateMaxBytes checks byte length rather than rune count, since knob
// names and values are copied into fixed-width payload fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(fl.Field().String()) <= limit
}

// validateAligned checks that a capacity keeps ring offsets word aligned.
func validateAligned(fl validator.FieldLevel) bool {
	return fl.Field().Uint()%4 == 0
}

// Validate checks every field and returns the first failure as a
// *errors.ConfigError naming the offending field.
func (c *HostConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &domainErrors.ConfigError{Err: err}
	}
	first := verrs[0]
	_, field, _ := strings.Cut(first.Namespace(), ".")
	return &domainErrors.ConfigError{
		Field: field,
		Err:   fmt.Errorf("failed on '%s' with value %v", first.Tag(), first.Value()),
	}
}

// Schema returns the JSON Schema of HostConfig, keyed by YAML field names.
func Schema() ([]byte, error) {
	return schema.Generate(&HostConfig{}, schema.WithFieldNameTag("yaml"))
}

// NewLogger builds the host logger described by c, writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
