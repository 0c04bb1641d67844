package bus

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

const introspectableName = "org.freedesktop.DBus.Introspectable"

var introspectableInfo = introspect.Interface{
	Name: introspectableName,
	Methods: []introspect.Method{{
		Name: "Introspect",
		Args: []introspect.Arg{{Name: "xml_data", Type: "s", Direction: "out"}},
	}},
}

// ErrPrefixInUse is returned when a subtree is already registered at a path.
var ErrPrefixInUse = errors.New("object path already registered")

// SubtreeVTable serves every object below a registered prefix. node is the
// path segment below the prefix, or "" for the prefix itself.
type SubtreeVTable interface {
	Enumerate(prefix string) []string
	Introspect(prefix, node string) []InterfaceInfo
	Dispatch(prefix, iface, node string) (dbus.Interface, bool)
}

// Mux routes incoming calls to registered subtrees. Install it on a
// connection with dbus.WithHandler. The prefix itself and its direct
// children are served; deeper paths are unknown objects.
type Mux struct {
	mu       sync.RWMutex
	subtrees map[dbus.ObjectPath]*subtree
	byID     map[uint32]dbus.ObjectPath
	nextID   uint32
}

type subtree struct {
	prefix dbus.ObjectPath
	vt     SubtreeVTable
}

var _ dbus.Handler = (*Mux)(nil)

func NewMux() *Mux {
	return &Mux{
		subtrees: make(map[dbus.ObjectPath]*subtree),
		byID:     make(map[uint32]dbus.ObjectPath),
	}
}

// RegisterSubtree claims prefix for vt and returns a registration id.
func (m *Mux) RegisterSubtree(prefix dbus.ObjectPath, vt SubtreeVTable) (uint32, error) {
	if !prefix.IsValid() {
		return 0, fmt.Errorf("invalid object path %q", prefix)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subtrees[prefix]; ok {
		return 0, fmt.Errorf("%w: %s", ErrPrefixInUse, prefix)
	}
	m.nextID++
	m.subtrees[prefix] = &subtree{prefix: prefix, vt: vt}
	m.byID[m.nextID] = prefix
	return m.nextID, nil
}

// UnregisterSubtree releases a registration. It reports whether id was
// registered.
func (m *Mux) UnregisterSubtree(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)
	delete(m.subtrees, prefix)
	return true
}

// LookupObject implements dbus.Handler.
func (m *Mux) LookupObject(path dbus.ObjectPath) (dbus.ServerObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st, ok := m.subtrees[path]; ok {
		return &object{st: st}, true
	}

	p := string(path)
	i := strings.LastIndexByte(p, '/')
	if i < 0 || i == len(p)-1 {
		return nil, false
	}
	parent := p[:i]
	if parent == "" {
		parent = "/"
	}
	if st, ok := m.subtrees[dbus.ObjectPath(parent)]; ok {
		return &object{st: st, node: p[i+1:]}, true
	}
	return nil, false
}

// object is one path inside a subtree.
type object struct {
	st   *subtree
	node string
}

func (o *object) LookupInterface(name string) (dbus.Interface, bool) {
	if name == introspectableName {
		return introspectable{o}, true
	}
	if o.node == "" {
		return nil, false
	}
	return o.st.vt.Dispatch(string(o.st.prefix), name, o.node)
}

// XML renders the introspection document of the object.
func (o *object) XML() (string, error) {
	prefix := string(o.st.prefix)
	n := introspect.Node{}
	for _, info := range o.st.vt.Introspect(prefix, o.node) {
		n.Interfaces = append(n.Interfaces, info.Introspection())
	}
	n.Interfaces = append(n.Interfaces, introspectableInfo)
	if o.node == "" {
		for _, child := range o.st.vt.Enumerate(prefix) {
			n.Children = append(n.Children, introspect.Node{Name: child})
		}
	}
	data, err := xml.MarshalIndent(n, "", "  ")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(introspect.IntrospectDeclarationString) + string(data), nil
}

type introspectable struct{ o *object }

func (i introspectable) LookupMethod(name string) (dbus.Method, bool) {
	if name != "Introspect" {
		return nil, false
	}
	return introspectMethod(i), true
}

type introspectMethod introspectable

func (m introspectMethod) Call(...interface{}) ([]interface{}, error) {
	s, err := m.o.XML()
	if err != nil {
		return nil, err
	}
	return []interface{}{s}, nil
}

func (introspectMethod) NumArguments() int { return 0 }
func (introspectMethod) NumReturns() int { return 1 }
func (introspectMethod) ArgumentValue(int) interface{} { return nil }
func (introspectMethod) ReturnValue(int) interface{} { return "" }
