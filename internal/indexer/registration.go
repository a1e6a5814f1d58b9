package indexer

import (
	"github.com/oriys/jobhost/internal/logging"
)

// Parameter declares one parameter of a registered function: its name and
// an optional binding or trigger attribute.
type Parameter struct {
	Name      string
	Attribute any
}

// P declares a parameter. attr may be omitted for parameters bound by type
// or by name.
func P(name string, attr ...any) Parameter {
	p := Parameter{Name: name}
	if len(attr) > 0 {
		p.Attribute = attr[0]
	}
	return p
}

// Registration is a function offered to the host: a Go func and one
// declaration per Go parameter, in order.
type Registration struct {
	Name       string
	Func       any
	Parameters []Parameter
	// NoAutomaticTrigger marks functions that are only run by direct
	// calls. They are indexed without any trigger or binding attribute.
	NoAutomaticTrigger bool
}

// Catalog is a source of registrations.
type Catalog interface {
	Name() string
	Registrations() ([]Registration, error)
}

type staticCatalog struct {
	name string
	regs []Registration
}

// NewCatalog returns a catalog serving regs.
func NewCatalog(name string, regs ...Registration) Catalog {
	return &staticCatalog{name: name, regs: regs}
}

func (c *staticCatalog) Name() string                           { return c.name }
func (c *staticCatalog) Registrations() ([]Registration, error) { return c.regs, nil }

// CatalogFunc adapts a loader function to Catalog.
type CatalogFunc struct {
	CatalogName string
	Load        func() ([]Registration, error)
}

func (c CatalogFunc) Name() string                           { return c.CatalogName }
func (c CatalogFunc) Registrations() ([]Registration, error) { return c.Load() }

// Locator enumerates the registrations of several catalogs. A catalog
// that fails to load is logged and skipped.
type Locator struct {
	catalogs []Catalog
}

func NewLocator(catalogs ...Catalog) *Locator {
	return &Locator{catalogs: catalogs}
}

// Registrations returns the registrations of every catalog that loaded.
func (l *Locator) Registrations() []Registration {
	var out []Registration
	for _, c := range l.catalogs {
		regs, err := c.Registrations()
		if err != nil {
			logging.Op().Warn("skipping function catalog that failed to load", "catalog", c.Name(), "error", err)
			continue
		}
		out = append(out, regs...)
	}
	return out
}
