package locking

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. This is useful for tests
// and for stores that already serialize writes internally.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(key string, fn func() error) error {
	return fn()
}
