package memutils

// Validatable is implemented by the stateful types of cmdstream that can check their own invariants.
// DebugValidate calls Validate on them after every mutation when the debug_mem_utils build tag is set.
type Validatable interface {
	Validate() error
}
