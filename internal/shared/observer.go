package shared

// OperationObserver receives the outcome of every domain mutation.
type OperationObserver interface {
	ObserveOperation(op string, err error)
}

// Observe reports op to o when it is configured.
func Observe(o OperationObserver, op string, err error) {
	if o != nil {
		o.ObserveOperation(op, err)
	}
}
