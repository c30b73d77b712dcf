package state

import "sync/atomic"

// #region params-store

// ParamsStore holds the live RigorParameters behind an atomic pointer.
// Readers on the control tick always see a fully written snapshot; there is
// exactly one writer (the healing adapter) so no compare-and-swap loop is needed.
type ParamsStore struct {
	current atomic.Pointer[RigorParameters]
	initial RigorParameters
}

// NewParamsStore validates p and returns a store seeded with it.
func NewParamsStore(p RigorParameters) (*ParamsStore, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &ParamsStore{initial: p}
	snapshot := p
	s.current.Store(&snapshot)
	return s, nil
}

// Load returns a copy of the current parameters.
func (s *ParamsStore) Load() RigorParameters {
	return *s.current.Load()
}

// Initial returns the parameters the store was created with.
func (s *ParamsStore) Initial() RigorParameters {
	return s.initial
}

// Swap publishes p and returns the previous snapshot.
func (s *ParamsStore) Swap(p RigorParameters) RigorParameters {
	snapshot := p
	return *s.current.Swap(&snapshot)
}

// Reset restores the initial parameters.
func (s *ParamsStore) Reset() RigorParameters {
	return s.Swap(s.initial)
}

// #endregion params-store
