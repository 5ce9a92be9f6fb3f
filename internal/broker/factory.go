package broker

import (
	"fmt"
	"strings"
)

// Constructors registered by adapter packages via the factory, keyed on
// the lowercase broker name. Registration happens from New in the cmd
// wiring rather than via init side effects so the dependency direction
// stays explicit.
type Constructor func() (Broker, error)

// Factory selects a broker adapter by name. The coordinator never
// branches on broker identity; this is the single place the concrete
// type is chosen.
type Factory struct {
	constructors map[string]Constructor
}

// NewFactory builds an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// Register adds an adapter constructor under the given name.
func (f *Factory) Register(name string, ctor Constructor) {
	f.constructors[strings.ToLower(strings.TrimSpace(name))] = ctor
}

// Supported lists the registered adapter names.
func (f *Factory) Supported() []string {
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	return names
}

// Create builds the adapter registered under name.
func (f *Factory) Create(name string) (Broker, error) {
	ctor, ok := f.constructors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, NewError(CodeUnsupported,
			fmt.Sprintf("broker %q is not supported (registered: %v)", name, f.Supported()))
	}
	return ctor()
}
