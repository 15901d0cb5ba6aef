// Package schema validates documents against their class declarations:
// property presence and type checks walked leaf-to-root over the superclass
// chain, plus dependency-existence checks against a storage.
package schema

import (
	"fmt"
	"regexp"

	"ndi.dev/core/document"
	"ndi.dev/core/ident"
	"ndi.dev/core/storage"
)

var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)

// Result carries validation errors in three buckets: the document's own
// class, each superclass by name, and each dependency role by name.
type Result struct {
	ClassErrors      []string
	SuperclassErrors map[string][]string
	DependencyErrors map[string][]string
}

// Valid reports whether no bucket holds an error.
func (r *Result) Valid() bool {
	if len(r.ClassErrors) > 0 {
		return false
	}
	for _, errs := range r.SuperclassErrors {
		if len(errs) > 0 {
			return false
		}
	}
	for _, errs := range r.DependencyErrors {
		if len(errs) > 0 {
			return false
		}
	}
	return true
}

// AllErrors flattens every bucket, for log lines and test assertions.
func (r *Result) AllErrors() []string {
	out := append([]string(nil), r.ClassErrors...)
	for name, errs := range r.SuperclassErrors {
		for _, e := range errs {
			out = append(out, fmt.Sprintf("[%s] %s", name, e))
		}
	}
	for name, errs := range r.DependencyErrors {
		for _, e := range errs {
			out = append(out, fmt.Sprintf("[depends_on %s] %s", name, e))
		}
	}
	return out
}

// Validate checks doc against its registered class and every superclass.
// store may be nil; when supplied, dependency targets are checked for
// existence. Violations are reported, never enforced: the caller decides
// whether an invalid document still gets written.
func Validate(registry *document.ClassRegistry, doc *document.Document, store storage.Storage) *Result {
	result := &Result{
		SuperclassErrors: map[string][]string{},
		DependencyErrors: map[string][]string{},
	}

	if def, ok := registry.Lookup(doc.Class()); ok {
		result.ClassErrors = checkProperties(def, doc)
	} else {
		result.ClassErrors = []string{fmt.Sprintf("class %q is not registered", doc.Class())}
	}
	for _, super := range doc.Superclasses() {
		def, ok := registry.Lookup(super)
		if !ok {
			result.SuperclassErrors[super] = []string{fmt.Sprintf("superclass %q is not registered", super)}
			continue
		}
		if errs := checkProperties(def, doc); len(errs) > 0 {
			result.SuperclassErrors[super] = errs
		}
	}

	checkDependencies(registry, doc, store, result)
	return result
}

func checkProperties(def document.ClassDef, doc *document.Document) []string {
	var errs []string
	for _, decl := range def.Properties {
		value, ok := doc.Property(decl.Path)
		if !ok {
			errs = append(errs, fmt.Sprintf("property %s is missing", decl.Path))
			continue
		}
		if isEmpty(value) {
			// optional fields may be present but empty
			continue
		}
		if err := checkValue(decl, value); err != "" {
			errs = append(errs, err)
		}
	}
	return errs
}

func isEmpty(v any) bool {
	switch vv := v.(type) {
	case nil:
		return true
	case string:
		return vv == ""
	case []any:
		return len(vv) == 0
	case map[string]any:
		return len(vv) == 0
	}
	return false
}

func checkValue(decl document.PropertyDecl, value any) string {
	switch decl.Type {
	case "did_uid":
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("property %s must be a uid string", decl.Path)
		}
		if decl.Length != nil && len(s) != *decl.Length {
			return fmt.Sprintf("property %s must be %d characters, got %d", decl.Path, *decl.Length, len(s))
		}
	case "char", "string":
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("property %s must be a string", decl.Path)
		}
	case "integer":
		n, ok := toFloat(value)
		if !ok || n != float64(int64(n)) {
			return fmt.Sprintf("property %s must be an integer", decl.Path)
		}
		if decl.Min != nil && n < *decl.Min {
			return fmt.Sprintf("property %s must be >= %g", decl.Path, *decl.Min)
		}
		if decl.Max != nil && n > *decl.Max {
			return fmt.Sprintf("property %s must be <= %g", decl.Path, *decl.Max)
		}
	case "double":
		if _, ok := toFloat(value); !ok {
			return fmt.Sprintf("property %s must be numeric", decl.Path)
		}
	case "timestamp":
		s, ok := value.(string)
		if !ok || !timestampPattern.MatchString(s) {
			return fmt.Sprintf("property %s must be an ISO-8601 timestamp", decl.Path)
		}
	case "matrix":
		if _, ok := value.([]any); !ok {
			return fmt.Sprintf("property %s must be a matrix (list of lists)", decl.Path)
		}
	case "structure":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("property %s must be a structure", decl.Path)
		}
	default:
		return fmt.Sprintf("property %s has unknown declared type %q", decl.Path, decl.Type)
	}
	return ""
}

func checkDependencies(registry *document.ClassRegistry, doc *document.Document, store storage.Storage, result *Result) {
	classNames := append([]string{doc.Class()}, doc.Superclasses()...)
	seen := map[string]bool{}
	for _, name := range classNames {
		def, ok := registry.Lookup(name)
		if !ok {
			continue
		}
		for _, dep := range def.DependsOn {
			if seen[dep.Name] {
				continue
			}
			seen[dep.Name] = true

			values := doc.DependencyValueN(dep.Name)
			if dep.MustBeNotEmpty && allEmpty(values) {
				result.DependencyErrors[dep.Name] = append(result.DependencyErrors[dep.Name],
					"required dependency is empty or missing")
				continue
			}
			if store == nil {
				continue
			}
			for _, v := range values {
				if v == "" || ident.IsEmpty(v) {
					// empty-id sentinel and blanks have no target to verify
					continue
				}
				_, found, err := store.Read(v)
				if err != nil {
					result.DependencyErrors[dep.Name] = append(result.DependencyErrors[dep.Name],
						fmt.Sprintf("failed to check target %s: %v", v, err))
					continue
				}
				if !found {
					result.DependencyErrors[dep.Name] = append(result.DependencyErrors[dep.Name],
						fmt.Sprintf("target %s missing", v))
				}
			}
		}
	}
}

func allEmpty(values []string) bool {
	for _, v := range values {
		if v != "" {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
