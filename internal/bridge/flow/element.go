package flow

import (
	"context"
	"fmt"
	"slices"
	"sort"
)

// Element is the handler for one call-flow element type.
type Element interface {
	// NestableChildren lists the element names allowed inside this one.
	// Empty means the element is a leaf.
	NestableChildren() []string

	// RequiresAnswer reports whether the leg must be answered (or
	// pre-answered) before Execute runs.
	RequiresAnswer() bool

	// Execute runs the element against the call.
	Execute(ctx context.Context, call *Call, node *Node) (Outcome, error)
}

// Awaiter is implemented by elements that block on CHANNEL_EXECUTE_COMPLETE
// for specific dialplan applications.
type Awaiter interface {
	Applications() []string
}

// Outcome tells the walker how to continue after an element.
type Outcome struct {
	// Stop ends the walk.
	Stop bool
	// Redirect replaces the rest of the document with the one fetched
	// from Target.
	Redirect *Target
}

// Target is a document location plus extra request parameters.
type Target struct {
	URL    string
	Method string
	Params map[string]string
}

// Registry maps element names to handlers.
type Registry struct {
	elements map[string]Element
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		elements: make(map[string]Element),
	}
}

// Register adds a handler for the given element name.
// Panics if the name is already registered (fail fast at startup).
func (r *Registry) Register(name string, el Element) {
	if _, exists := r.elements[name]; exists {
		panic(fmt.Sprintf("element %q already registered", name))
	}
	r.elements[name] = el
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Element, error) {
	el, ok := r.elements[name]
	if !ok {
		return nil, fmt.Errorf("%w: <%s>", ErrUnknownElement, name)
	}
	return el, nil
}

// Names returns the registered element names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.elements))
	for name := range r.elements {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with all built-in elements.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("Dial", &Dial{})
	r.Register("Play", &Play{})
	r.Register("Speak", &Speak{})
	r.Register("Wait", &Wait{})
	r.Register("Record", &Record{})
	r.Register("Conference", &Conference{})
	r.Register("GetDigits", &GetDigits{})
	r.Register("GetSpeech", &GetSpeech{})
	r.Register("Redirect", &Redirect{})
	r.Register("Hangup", &Hangup{})
	r.Register("PreAnswer", &PreAnswer{})
	r.Register("SIPTransfer", &SIPTransfer{})
	return r
}

// ValidateNesting checks node's children against el's nestable set.
func ValidateNesting(el Element, node *Node) error {
	allowed := el.NestableChildren()
	for _, child := range node.Children {
		if !slices.Contains(allowed, child.Name) {
			return fmt.Errorf("%w: <%s> inside <%s> at line %d", ErrIllegalNesting, child.Name, node.Name, child.Line)
		}
	}
	return nil
}

func awaitedApplications(el Element) []string {
	if a, ok := el.(Awaiter); ok {
		return a.Applications()
	}
	return nil
}

// leaf is embedded by elements without nestable children.
type leaf struct{}

func (leaf) NestableChildren() []string { return nil }

// answered is embedded by elements that need an answered leg.
type answered struct{}

func (answered) RequiresAnswer() bool { return true }

// unanswered is embedded by elements that run on a ringing leg.
type unanswered struct{}

func (unanswered) RequiresAnswer() bool { return false }
