package pagestore

import "github.com/nimbusmq/pagedstore/pagestore/pagefile"

// Codec marshals and unmarshals a typed object to and from pages.
// Codecs are pure with respect to a transaction — every side effect
// goes through tx's page operations, so commit atomicity remains
// solely the transaction's concern.
type Codec[T any] interface {
	Load(tx *Transaction, page pagefile.PageID) (T, error)
	Store(tx *Transaction, page pagefile.PageID, value T) error
	Remove(tx *Transaction, page pagefile.PageID) error
}

// anyCodec type-erases Codec[T] so deferred updates of differing element
// types can share one update map. It is implemented by codecHandle[T].
type anyCodec interface {
	tag() string
	storeAny(tx *Transaction, page pagefile.PageID, value any) error
	loadAny(tx *Transaction, page pagefile.PageID) (any, error)
	removeAny(tx *Transaction, page pagefile.PageID) error
}

type codecHandle[T any] struct {
	name string
	c    Codec[T]
}

func (h codecHandle[T]) tag() string { return h.name }

func (h codecHandle[T]) storeAny(tx *Transaction, page pagefile.PageID, value any) error {
	return h.c.Store(tx, page, value.(T))
}

func (h codecHandle[T]) loadAny(tx *Transaction, page pagefile.PageID) (any, error) {
	return h.c.Load(tx, page)
}

func (h codecHandle[T]) removeAny(tx *Transaction, page pagefile.PageID) error {
	return h.c.Remove(tx, page)
}

// Registry resolves typed codecs by name for layers that need to look
// one up dynamically instead of holding a concrete Codec[T] reference.
// The broker store does not use it; it holds its codecs directly.
type Registry struct {
	codecs map[string]anyCodec
}

// NewRegistry creates an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]anyCodec)}
}

// Register installs a codec under name, generalizing it to anyCodec.
func Register[T any](r *Registry, name string, c Codec[T]) {
	r.codecs[name] = codecHandle[T]{name: name, c: c}
}

// Lookup returns the codec registered under name, or nil if absent.
func (r *Registry) Lookup(name string) anyCodec {
	return r.codecs[name]
}
