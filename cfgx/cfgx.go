// Package cfgx provides functionality to parse configuration from multiple sources
// in a predictable precedence order with strong error handling and traceability.
// It is designed to be flexible enough for most applications while providing
// sensible defaults that follow Go idioms and best practices.
// with a defined precedence: command line args > docker secrets > environment variables > defaults.
// It uses struct tags to customize field names and validation rules.
package cfgx

import (
	"cmp"
	"errors"
	"flag"
	"fmt"
	"log"
	"maps"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/outboxkit/pgoutbox/cfgx/internal/casing"
)

const (
	tagConfig       = "config"
	tagEnv          = "env"
	tagFlag         = "flag"
	tagDefault      = "default"
	tagDescription  = "desc"     // Description for help messages
	tagOptional     = "optional" // Mark field as optional
	tagShort        = "short"    // Short flag in addition
	tagDockerSecret = "dsec"
)

// Priority levels for the built-in sources. Sources run in ascending
// priority order, so a higher value wins when multiple sources set the
// same field.
const (
	PriorityDefaults = 0
	PriorityEnv      = 50
	PrioritySecrets  = 75
	PriorityFlags    = 100
)

var (
	ErrNotPointerToStruct = errors.New("config must be a pointer to a struct")
)

// Source processes the ConfigField map and applies values to the
// config struct. Choose a priority to process before or after other sources.
type Source interface {
	Priority() int
	Process(map[string]ConfigField) error
}

// Options holds options for the Parse function.
type Options struct {
	// ProgramName is the name of the running program (defaults to os.Args[0]).
	ProgramName string
	// EnvPrefix looks adds a prefix to environment variable lookups.
	EnvPrefix string
	// SkipFlags ignores command line flags.
	SkipFlags bool
	// SkipEnv ignores environment variables.
	SkipEnv bool
	// Args provides command line arguments (defaults to os.Args[1:]).
	Args []string
	// ErrorHandling determines how parsing errors are handled.
	ErrorHandling flag.ErrorHandling
	// UseBuildInfo uses debug.BuildInfo to set the Version property to the git tag.
	UseBuildInfo bool
	// Sources adds additional sources, e.g. DockerSecretsSource or FileContentSource.
	Sources []Source
}

// MultiError collects every error encountered while applying a single source
// so a caller sees all invalid fields instead of just the first one.
type MultiError struct {
	Errs []error
}

func (e *MultiError) Error() string {
	if len(e.Errs) == 0 {
		return "no errors"
	}
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e *MultiError) Unwrap() []error {
	return e.Errs
}

// Parse populates the config struct from different sources.
// It follows this precedence order (lowest to highest, later wins):
// 1. Default values from struct tags
// 2. Environment variables
// 3. Additional sources (e.g. docker secrets, config files)
// 4. Command line arguments
func Parse(cfg any, options Options) error {

	// Set default options and override if non-zero
	opts := setOptions(options)

	// Make sure it is pointer to struct
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return handleError(opts.ErrorHandling, ErrNotPointerToStruct)
	}

	// Walk the struct and get map of paths with dot notation.
	// Skips any fields that are already populated.
	structMap := walkStruct(v.Elem(), "")

	sources := make([]Source, 0, len(opts.Sources)+3)
	sources = append(sources, &defaultSource{priority: PriorityDefaults})
	if !opts.SkipEnv {
		sources = append(sources, &envSource{priority: PriorityEnv, prefix: opts.EnvPrefix})
	}
	sources = append(sources, opts.Sources...)
	if !opts.SkipFlags {
		sources = append(sources, &flagSource{priority: PriorityFlags, opts: opts})
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Priority() < sources[j].Priority()
	})

	for _, src := range sources {
		if err := src.Process(structMap); err != nil {
			return handleError(opts.ErrorHandling, err)
		}
	}

	// Set Version if opts.UseBuildInfo == true
	if opts.UseBuildInfo {
		if field, ok := structMap["Version"]; ok {
			version := "(devel)"
			if bi, ok := debug.ReadBuildInfo(); ok {
				version = cmp.Or(bi.Main.Version, "(devel)")
			}
			field.Value.SetString(version)
		}
	}

	// Validate the required fields
	if err := validateRequired(structMap); err != nil {
		return handleError(opts.ErrorHandling, fmt.Errorf("validation: %w", err))
	}

	return nil
}

// ConfigField describes a single leaf field of the config struct, resolved
// to its dot-notation path and addressable reflect.Value.
type ConfigField struct {
	Path        string
	Value       reflect.Value
	Kind        reflect.Kind
	Name        string
	StructField reflect.StructField
	Tag         reflect.StructTag
	Description string
}

func walkStruct(v reflect.Value, currPath string) map[string]ConfigField {
	fields := map[string]ConfigField{}

	t := v.Type()

	for i := range v.NumField() {
		// Get values
		fieldVal := v.Field(i)
		structField := t.Field(i)
		name := structField.Name
		kind := fieldVal.Kind()
		tag := structField.Tag

		// Skip fields already filled
		if !fieldVal.IsZero() {
			continue
		}

		// Join the path
		path := name
		if currPath != "" {
			path = strings.Join([]string{currPath, name}, ".")
		}

		// Recursive for structs
		if kind == reflect.Struct {
			nestedFields := walkStruct(fieldVal, path)
			maps.Copy(fields, nestedFields)
			continue
		}
		desc := cmp.Or(tag.Get(tagDescription), path)

		fields[path] = ConfigField{
			Path: path, Value: fieldVal, Kind: kind, Name: name, StructField: structField, Tag: tag, Description: desc}
	}
	return fields
}

func validateRequired(fields map[string]ConfigField) error {
	var allErrs []error

	for path, field := range fields {
		// Get optional tag
		optVal, exists := field.Tag.Lookup(tagOptional)

		// A field is optional only if the tag is present and not explicitly "false"
		if exists && optVal != "false" {
			continue
		}

		// If it is required and zero value add error
		if field.Value.IsZero() {
			allErrs = append(allErrs, fmt.Errorf("%s is required", path))
		}
	}

	if len(allErrs) > 0 {
		return &MultiError{allErrs}
	}
	return nil
}

func handleError(errHandling flag.ErrorHandling, err error) error {
	if errHandling == flag.ExitOnError {
		log.Fatal(err)
	}
	if errHandling == flag.PanicOnError {
		panic(err)
	}

	return err
}

func toSnakeCase(s string) string          { return casing.ToSnake(s) }
func toScreamingSnakeCase(s string) string { return casing.ToScreamingSnake(s) }
func toKebabCase(s string) string          { return casing.ToKebab(s) }
