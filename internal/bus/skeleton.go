package bus

import (
	"context"
	"fmt"
	"reflect"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// Arg is one method argument. Value is a zero value of the Go type the
// argument decodes into; it fixes the wire signature.
type Arg struct {
	Name  string
	Value any
}

// MethodInfo declares a method signature.
type MethodInfo struct {
	Name string
	In   []Arg
	Out  []Arg
}

// InterfaceInfo declares an interface.
type InterfaceInfo struct {
	Name    string
	Methods []MethodInfo
}

// Method finds a method declaration by name.
func (i InterfaceInfo) Method(name string) (MethodInfo, bool) {
	for _, m := range i.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodInfo{}, false
}

// Introspection renders the declaration for introspection XML.
func (i InterfaceInfo) Introspection() introspect.Interface {
	out := introspect.Interface{Name: i.Name}
	for _, m := range i.Methods {
		im := introspect.Method{Name: m.Name}
		for _, a := range m.In {
			im.Args = append(im.Args, introspect.Arg{Name: a.Name, Type: dbus.SignatureOf(a.Value).String(), Direction: "in"})
		}
		for _, a := range m.Out {
			im.Args = append(im.Args, introspect.Arg{Name: a.Name, Type: dbus.SignatureOf(a.Value).String(), Direction: "out"})
		}
		out.Methods = append(out.Methods, im)
	}
	return out
}

// HandlerFunc serves one method. args are already decoded into the types of
// the declared In values; the result must match the declared Out values.
type HandlerFunc func(ctx context.Context, args []any) ([]any, error)

// Skeleton binds handlers to an interface declaration. It implements
// dbus.Interface.
type Skeleton struct {
	info     InterfaceInfo
	handlers map[string]HandlerFunc
}

var _ dbus.Interface = (*Skeleton)(nil)

// NewSkeleton returns a skeleton with no handlers bound.
func NewSkeleton(info InterfaceInfo) *Skeleton {
	return &Skeleton{info: info, handlers: make(map[string]HandlerFunc, len(info.Methods))}
}

// Handle binds h to method. Binding an undeclared method panics.
func (s *Skeleton) Handle(method string, h HandlerFunc) *Skeleton {
	if _, ok := s.info.Method(method); !ok {
		panic(fmt.Sprintf("bus: %s has no method %s", s.info.Name, method))
	}
	s.handlers[method] = h
	return s
}

// Name is the interface name.
func (s *Skeleton) Name() string { return s.info.Name }

// Info is the interface declaration.
func (s *Skeleton) Info() InterfaceInfo { return s.info }

// LookupMethod implements dbus.Interface.
func (s *Skeleton) LookupMethod(name string) (dbus.Method, bool) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, false
	}
	info, _ := s.info.Method(name)
	return &method{iface: s.info.Name, info: info, h: h}, true
}

// Invoke calls a bound method in-process, checking argument and result
// counts the way a bus call would.
func (s *Skeleton) Invoke(ctx context.Context, name string, args ...any) ([]any, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown method %s.%s", s.info.Name, name)
	}
	info, _ := s.info.Method(name)
	if len(args) != len(info.In) {
		return nil, fmt.Errorf("%s.%s: want %d arguments, got %d", s.info.Name, name, len(info.In), len(args))
	}
	return call(ctx, s.info.Name, info, h, args)
}

func call(ctx context.Context, iface string, info MethodInfo, h HandlerFunc, args []any) ([]any, error) {
	ret, err := h(ctx, args)
	if err != nil {
		return nil, err
	}
	if len(ret) != len(info.Out) {
		return nil, fmt.Errorf("%s.%s: handler returned %d values, declared %d", iface, info.Name, len(ret), len(info.Out))
	}
	return ret, nil
}

// method adapts a handler to dbus.Method. The call body is converted into
// values of the types declared in MethodInfo.In before the handler runs.
type method struct {
	iface string
	info  MethodInfo
	h     HandlerFunc
}

var _ dbus.ArgumentDecoder = (*method)(nil)

// DecodeArguments implements dbus.ArgumentDecoder.
func (m *method) DecodeArguments(_ *dbus.Conn, _ string, _ *dbus.Message, body []interface{}) ([]interface{}, error) {
	if len(body) != len(m.info.In) {
		return nil, dbus.ErrMsgInvalidArg
	}
	args := make([]interface{}, len(body))
	for i, a := range m.info.In {
		dst := reflect.New(reflect.TypeOf(a.Value))
		if err := dbus.Store([]interface{}{body[i]}, dst.Interface()); err != nil {
			return nil, dbus.ErrMsgInvalidArg
		}
		args[i] = dst.Elem().Interface()
	}
	return args, nil
}

func (m *method) Call(args ...interface{}) ([]interface{}, error) {
	return call(context.Background(), m.iface, m.info, m.h, args)
}

func (m *method) NumArguments() int { return len(m.info.In) }

func (m *method) NumReturns() int { return len(m.info.Out) }

func (m *method) ArgumentValue(i int) interface{} { return m.info.In[i].Value }

func (m *method) ReturnValue(i int) interface{} { return m.info.Out[i].Value }
