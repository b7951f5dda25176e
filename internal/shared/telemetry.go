package shared

// Observer receives authorization telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	CacheResult(component string, hit bool)
	LookupFailed(component string)
	Decision(state string)
}

// NopObserver discards all telemetry.
type NopObserver struct{}

func (NopObserver) CacheResult(string, bool) {}
func (NopObserver) LookupFailed(string)      {}
func (NopObserver) Decision(string)          {}

// ObserverOrNop returns o, or a NopObserver when o is nil.
func ObserverOrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
