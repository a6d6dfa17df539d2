package providers

import (
	"fmt"
	"sort"

	"github.com/GriffinCanCode/l4core/internal/dispatch"
	"github.com/GriffinCanCode/l4core/internal/providers/calc"
	"github.com/GriffinCanCode/l4core/internal/providers/echo"
	"github.com/GriffinCanCode/l4core/internal/shared/types"
)

// Provider is a service that can be served by a dispatch loop.
type Provider interface {
	Definition() types.Service
	Handler() dispatch.Handler
}

var catalog = map[string]func() Provider{
	"calc": func() Provider { return calc.NewProvider() },
	"echo": func() Provider { return echo.NewProvider() },
}

// New creates the provider called kind.
func New(kind string) (Provider, error) {
	mk, ok := catalog[kind]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", kind)
	}
	return mk(), nil
}

// Kinds returns the known provider names, sorted.
func Kinds() []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Known reports whether kind names a provider.
func Known(kind string) bool {
	_, ok := catalog[kind]
	return ok
}
