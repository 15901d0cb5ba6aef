// Package document implements the immutable, class-typed record at the
// center of the store: subjects, probes, elements, epochs, and every other
// experiment artifact are represented as a Document.
package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"ndi.dev/core/ident"
	"ndi.dev/core/ndierr"
)

// PropertyDecl describes one schema-declared property of a class, used by
// package schema for validation.
type PropertyDecl struct {
	Path   string // dotted path into the property tree, section included (e.g. element.name)
	Type   string // did_uid, char, string, integer, double, timestamp, matrix, structure
	Min    *float64
	Max    *float64
	Length *int
}

// DependsOnDecl describes one schema-declared dependency role.
type DependsOnDecl struct {
	Name           string
	MustBeNotEmpty bool
	NValued        bool
}

// ClassDef is class metadata: name, superclass chain, the wire key under
// which this class's properties are serialized, and the schema-declared
// properties and dependency roles. Callers register ClassDef values; this
// module does not load schema files from disk.
type ClassDef struct {
	Name             string
	Superclasses     []string
	PropertyListName string
	Properties       []PropertyDecl
	DependsOn        []DependsOnDecl
}

// ClassRegistry resolves class names to ClassDef metadata and walks
// superclass chains leaf-to-root.
type ClassRegistry struct {
	mu      sync.RWMutex
	classes map[string]ClassDef
}

// NewClassRegistry returns an empty registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{classes: make(map[string]ClassDef)}
}

// Register adds or replaces a class definition.
func (r *ClassRegistry) Register(def ClassDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[def.Name] = def
}

// Lookup returns the ClassDef for name, if registered.
func (r *ClassRegistry) Lookup(name string) (ClassDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.classes[name]
	return def, ok
}

// SuperclassChain returns the full leaf-to-root chain of superclass names
// for name, resolving through each superclass's own registered ancestors
// and deduplicating. name itself is not included.
func (r *ClassRegistry) SuperclassChain(name string) []string {
	var chain []string
	seen := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		def, ok := r.Lookup(cur)
		if !ok {
			continue
		}
		for _, sc := range def.Superclasses {
			if seen[sc] {
				continue
			}
			seen[sc] = true
			chain = append(chain, sc)
			queue = append(queue, sc)
		}
	}
	return chain
}

// rolesFor merges DependsOnDecl entries declared by name and its ancestors.
func (r *ClassRegistry) rolesFor(name string) map[string]DependsOnDecl {
	roles := make(map[string]DependsOnDecl)
	names := append([]string{name}, r.SuperclassChain(name)...)
	for _, n := range names {
		def, ok := r.Lookup(n)
		if !ok {
			continue
		}
		for _, d := range def.DependsOn {
			roles[d.Name] = d
		}
	}
	return roles
}

// Dependency is a named outbound edge to another document's Identifier.
type Dependency struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FileLocation is one place a logical file's bytes can be found. UID, when
// set, is the stable per-location identifier cloud publication reuses.
type FileLocation struct {
	Location       string `json:"location"`
	LocationType   string `json:"location_type,omitempty"`
	UID            string `json:"uid,omitempty"`
	Ingest         bool   `json:"ingest,omitempty"`
	DeleteOriginal bool   `json:"delete_original,omitempty"`
}

// FileInfo is a logical filename plus its candidate locations.
type FileInfo struct {
	Name      string         `json:"name"`
	Locations []FileLocation `json:"locations"`
}

// Document is an immutable record. All mutator-shaped methods return a new
// Document; the receiver is never modified.
type Document struct {
	id               string
	className        string
	superclasses     []string
	propertyListName string
	sessionID        string
	properties       map[string]any
	dependsOn        []Dependency
	files            []FileInfo
	roles            map[string]DependsOnDecl
}

// Option configures New.
type Option func(*Document)

// WithID overrides the generated identifier, for reconstructing a document
// that already has one (e.g. on load).
func WithID(id string) Option {
	return func(d *Document) { d.id = id }
}

// WithSessionID sets the session_id at construction time.
func WithSessionID(id string) Option {
	return func(d *Document) { d.sessionID = id }
}

// New builds a Document of the given class from a flat map of dotted-path
// assignments, expanding them into a nested property tree. className must
// be registered in registry.
func New(registry *ClassRegistry, className string, assignments map[string]any, opts ...Option) (*Document, error) {
	def, ok := registry.Lookup(className)
	if !ok {
		return nil, ndierr.Newf(ndierr.BadArgument, "unregistered class %q", className)
	}

	props := make(map[string]any)
	for path, value := range assignments {
		if err := setPath(props, path, value); err != nil {
			return nil, err
		}
	}

	listName := def.PropertyListName
	if listName == "" {
		listName = className
	}

	d := &Document{
		id:               ident.New(),
		className:        className,
		superclasses:     registry.SuperclassChain(className),
		propertyListName: listName,
		sessionID:        ident.Empty(),
		properties:       props,
		roles:            registry.rolesFor(className),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func setPath(root map[string]any, path string, value any) error {
	if path == "" {
		return ndierr.New(ndierr.BadArgument, "empty dotted path")
	}
	segments := strings.Split(path, ".")
	for _, s := range segments {
		if s == "" {
			return ndierr.Newf(ndierr.BadArgument, "malformed dotted path %q", path)
		}
	}
	cur := root
	for i, s := range segments {
		if i == len(segments)-1 {
			cur[s] = value
			return nil
		}
		next, ok := cur[s]
		if !ok {
			m := make(map[string]any)
			cur[s] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return ndierr.Newf(ndierr.BadArgument, "path %q conflicts with a scalar value at %q", path, s)
		}
		cur = m
	}
	return nil
}

func getPath(root map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = root
	for _, s := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[s]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(vv)
		case []any:
			cp := make([]any, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = vv
		}
	}
	return out
}

// copyFileInfos copies the list and each entry's locations, so callers can
// never mutate a document's file records through a returned slice.
func copyFileInfos(files []FileInfo) []FileInfo {
	if files == nil {
		return nil
	}
	out := make([]FileInfo, len(files))
	for i, fi := range files {
		out[i] = fi
		out[i].Locations = append([]FileLocation(nil), fi.Locations...)
	}
	return out
}

func (d *Document) clone() *Document {
	cp := *d
	cp.properties = deepCopyMap(d.properties)
	cp.dependsOn = append([]Dependency(nil), d.dependsOn...)
	cp.files = copyFileInfos(d.files)
	cp.superclasses = append([]string(nil), d.superclasses...)
	return &cp
}

// ID returns the document's identifier.
func (d *Document) ID() string { return d.id }

// Class returns the document's class name.
func (d *Document) Class() string { return d.className }

// Superclasses returns the resolved leaf-to-root superclass chain.
func (d *Document) Superclasses() []string { return d.superclasses }

// SessionID returns the owning session's identifier, or the empty-id
// sentinel.
func (d *Document) SessionID() string { return d.sessionID }

// SetSessionID returns a copy of d with session_id set.
func (d *Document) SetSessionID(id string) *Document {
	cp := d.clone()
	cp.sessionID = id
	return cp
}

// Property reads a dotted-path value.
func (d *Document) Property(path string) (any, bool) {
	return getPath(d.properties, path)
}

// DocumentProperties returns a read-only deep copy of the full property
// tree.
func (d *Document) DocumentProperties() map[string]any {
	return deepCopyMap(d.properties)
}

// DocIsa reports whether className matches d's own class or any ancestor.
func (d *Document) DocIsa(className string) bool {
	if d.className == className {
		return true
	}
	for _, sc := range d.superclasses {
		if sc == className {
			return true
		}
	}
	return false
}

// SetDependencyValue replaces the value at the named single-valued
// dependency role, returning a new Document. If errorIfNotFound is set and
// name is not a role declared by the class or its ancestors, it fails with
// ndierr.UnknownRole.
func (d *Document) SetDependencyValue(name, value string, errorIfNotFound bool) (*Document, error) {
	if errorIfNotFound {
		if _, ok := d.roles[name]; !ok {
			return nil, ndierr.Newf(ndierr.UnknownRole, "role %q is not declared for class %q", name, d.className)
		}
	}
	cp := d.clone()
	kept := cp.dependsOn[:0:0]
	for _, dep := range cp.dependsOn {
		if dep.Name != name {
			kept = append(kept, dep)
		}
	}
	kept = append(kept, Dependency{Name: name, Value: value})
	cp.dependsOn = kept
	return cp, nil
}

// AddDependencyValueN appends a value to an n-valued dependency role,
// returning a new Document.
func (d *Document) AddDependencyValueN(name, value string) *Document {
	cp := d.clone()
	cp.dependsOn = append(cp.dependsOn, Dependency{Name: name, Value: value})
	return cp
}

// DependencyValue returns the first value recorded for name.
func (d *Document) DependencyValue(name string) (string, bool) {
	for _, dep := range d.dependsOn {
		if dep.Name == name {
			return dep.Value, true
		}
	}
	return "", false
}

// DependencyValueN returns every value recorded for name, in insertion
// order.
func (d *Document) DependencyValueN(name string) []string {
	var out []string
	for _, dep := range d.dependsOn {
		if dep.Name == name {
			out = append(out, dep.Value)
		}
	}
	return out
}

// DependsOn returns the full ordered dependency list.
func (d *Document) DependsOn() []Dependency {
	return append([]Dependency(nil), d.dependsOn...)
}

// Files returns a copy of the document's file_info list.
func (d *Document) Files() []FileInfo {
	return copyFileInfos(d.files)
}

// WithFiles returns a copy of d with its files list replaced.
func (d *Document) WithFiles(files []FileInfo) *Document {
	cp := d.clone()
	cp.files = copyFileInfos(files)
	return cp
}

// PropertyListName returns the wire key under which this document's
// properties are serialized.
func (d *Document) PropertyListName() string { return d.propertyListName }

// --- JSON wire form -------------------------------------------------------

type wireBase struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
}

type wireClass struct {
	ClassName        string   `json:"class_name"`
	Superclasses     []string `json:"superclasses,omitempty"`
	PropertyListName string   `json:"property_list_name"`
}

// MarshalJSON emits the on-disk/on-wire shape: top-level "base",
// "document_class", "depends_on", "files" (if any), plus one key holding
// this document's property tree.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	out["base"] = wireBase{ID: d.id, SessionID: d.sessionID}
	out["document_class"] = wireClass{
		ClassName:        d.className,
		Superclasses:     d.superclasses,
		PropertyListName: d.propertyListName,
	}
	out["depends_on"] = d.dependsOn
	if len(d.files) > 0 {
		out["files"] = d.files
	}
	out[d.propertyListName] = d.properties

	return json.Marshal(out)
}

// UnmarshalJSON reconstructs a Document from its wire form. It is
// self-describing (document_class carries the property list key) so no
// ClassRegistry is required to decode.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var base wireBase
	if b, ok := raw["base"]; ok {
		if err := json.Unmarshal(b, &base); err != nil {
			return err
		}
	}
	var class wireClass
	if c, ok := raw["document_class"]; ok {
		if err := json.Unmarshal(c, &class); err != nil {
			return err
		}
	}
	var deps []Dependency
	if dep, ok := raw["depends_on"]; ok {
		if err := json.Unmarshal(dep, &deps); err != nil {
			return err
		}
	}
	var files []FileInfo
	if f, ok := raw["files"]; ok {
		if err := json.Unmarshal(f, &files); err != nil {
			return err
		}
	}

	listName := class.PropertyListName
	if listName == "" {
		listName = class.ClassName
	}
	props := make(map[string]any)
	if p, ok := raw[listName]; ok {
		if err := json.Unmarshal(p, &props); err != nil {
			return err
		}
	}
	d.id = base.ID
	d.sessionID = base.SessionID
	d.className = class.ClassName
	d.superclasses = class.Superclasses
	d.propertyListName = listName
	d.properties = props
	d.dependsOn = deps
	d.files = files
	return nil
}

// UnmarshalJSON accepts both shapes "locations" takes in serialized data, a
// list or a single object, canonicalizing to a one-element list.
func (fi *FileInfo) UnmarshalJSON(data []byte) error {
	var shaped struct {
		Name      string          `json:"name"`
		Locations json.RawMessage `json:"locations"`
		Location  *FileLocation   `json:"location,omitempty"`
	}
	if err := json.Unmarshal(data, &shaped); err != nil {
		return err
	}
	fi.Name = shaped.Name
	if len(shaped.Locations) > 0 {
		var list []FileLocation
		if err := json.Unmarshal(shaped.Locations, &list); err == nil {
			fi.Locations = list
			return nil
		}
		var single FileLocation
		if err := json.Unmarshal(shaped.Locations, &single); err == nil {
			fi.Locations = []FileLocation{single}
			return nil
		}
		return fmt.Errorf("document: unrecognized locations shape")
	}
	if shaped.Location != nil {
		fi.Locations = []FileLocation{*shaped.Location}
	}
	return nil
}

// SortedPropertyKeys is a small convenience for callers that print or diff
// a property tree deterministically.
func SortedPropertyKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
