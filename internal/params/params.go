// Package params implements the name-scoped registry of learnable tensors.
//
// A Store maps qualified paths ("model.h0.attn.c_attn.w") to parameters in
// creation order. Scope is the explicit context object threaded through the
// forward pass; GetOrCreate is the only mutation.
package params

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/tensor"
)

var (
	// ErrShapeConflict is returned when a path is requested with a different shape than it was created with.
	ErrShapeConflict = errors.New("params: shape conflict")
	// ErrExists is returned when importing over an existing parameter.
	ErrExists = errors.New("params: parameter already exists")
)

// Separator joins scope names into a qualified path.
const Separator = "."

// Parameter is a named learnable tensor.
type Parameter struct {
	Path  string
	Value *tensor.Tensor
}

// Store holds parameters keyed by path. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	dtype  device.DataType
	rng    *rand.Rand
	byPath map[string]*Parameter
	order  []*Parameter
}

// NewStore creates an empty store. seed makes random initialization reproducible.
func NewStore(seed uint64, dtype device.DataType) *Store {
	return &Store{
		dtype:  dtype,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		byPath: make(map[string]*Parameter),
	}
}

// DataType returns the element type parameters are rounded to.
func (s *Store) DataType() device.DataType { return s.dtype }

// Root returns the empty scope.
func (s *Store) Root() *Scope {
	return &Scope{store: s}
}

// Lookup returns the parameter at path, if any.
func (s *Store) Lookup(path string) (*Parameter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byPath[path]
	return p, ok
}

// Parameters returns all parameters in creation order.
func (s *Store) Parameters() []*Parameter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Parameter, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of parameter tensors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// NumParameters returns the total number of learnable scalars.
func (s *Store) NumParameters() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.order {
		n += p.Value.Size()
	}
	return n
}

func (s *Store) getOrCreate(path string, shape []int, init Initializer) (*tensor.Tensor, error) {
	s.mu.RLock()
	p, ok := s.byPath[path]
	s.mu.RUnlock()
	if ok {
		return checkShape(p, shape)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byPath[path]; ok {
		return checkShape(p, shape)
	}

	v := tensor.New(shape...)
	if err := init.Fill(v.Data(), s.rng); err != nil {
		return nil, fmt.Errorf("init %s: %w", path, err)
	}
	v.RoundTo(s.dtype)

	s.insert(&Parameter{Path: path, Value: v})
	log.Debug().Str("path", path).Ints("shape", shape).Msg("Created parameter")
	return v, nil
}

// Import adds an already materialized parameter, as when restoring a
// checkpoint. The value is rounded to the store's data type.
func (s *Store) Import(path string, value *tensor.Tensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPath[path]; ok {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	s.insert(&Parameter{Path: path, Value: value.RoundTo(s.dtype)})
	return nil
}

func (s *Store) insert(p *Parameter) {
	s.byPath[p.Path] = p
	s.order = append(s.order, p)
	parameterTensors.Set(float64(len(s.order)))
	parameterCount.Add(float64(p.Value.Size()))
}

func checkShape(p *Parameter, shape []int) (*tensor.Tensor, error) {
	if !tensor.SameShape(p.Value.Shape(), shape) {
		return nil, fmt.Errorf("%w: %s is %v, requested %v", ErrShapeConflict, p.Path, p.Value.Shape(), shape)
	}
	return p.Value, nil
}

// Scope is a position in the parameter hierarchy.
type Scope struct {
	store *Store
	names []string
}

// In returns a child scope.
func (s *Scope) In(name string) *Scope {
	names := make([]string, len(s.names), len(s.names)+1)
	copy(names, s.names)
	return &Scope{store: s.store, names: append(names, name)}
}

// Path returns the qualified path of name inside this scope.
func (s *Scope) Path(name string) string {
	if len(s.names) == 0 {
		return name
	}
	return strings.Join(s.names, Separator) + Separator + name
}

// GetOrCreate returns the parameter name in this scope, creating it with
// init on first reference. Repeated calls with the same shape return the
// same tensor.
func (s *Scope) GetOrCreate(name string, shape []int, init Initializer) (*tensor.Tensor, error) {
	return s.store.getOrCreate(s.Path(name), shape, init)
}
