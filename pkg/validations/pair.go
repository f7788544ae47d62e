package validations

// ValidationPair is the per-signer generational slot inside the current
// index. Invariant: if both Newest and Oldest are present,
// Newest.CloseTime > Oldest.CloseTime (strict, once a completed transition
// has occurred — see the state machine in Collection.AddValidation).
type ValidationPair struct {
	Newest *Validation
	Oldest *Validation
}

// empty reports whether both generations have been evicted.
func (p *ValidationPair) empty() bool {
	return p.Newest == nil && p.Oldest == nil
}
