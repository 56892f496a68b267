package workflow

// Invalidator receives a hint after a collection was mutated
type Invalidator interface {
	TriggerUpdate(collection string)
}

type noopInvalidator struct{}

func (noopInvalidator) TriggerUpdate(string) {}

// InvalidatorOrNoop returns inv, or a no-op when inv is nil
func InvalidatorOrNoop(inv Invalidator) Invalidator {
	if inv == nil {
		return noopInvalidator{}
	}
	return inv
}
