package types

// forceTag distinguishes the three states of a Force.
type forceTag uint8

const (
	forceAbsent forceTag = iota
	forceValue
	forceForced
)

// Force is an optional value that also records whether it was explicitly
// forced. It separates operator overrides from defaulted or discovered
// values. The zero value is Absent.
type Force[T any] struct {
	tag   forceTag
	value T
}

// Forced wraps v as an explicit override.
func Forced[T any](v T) Force[T] { return Force[T]{tag: forceForced, value: v} }

// Value wraps v as a regular, non-forced value.
func Value[T any](v T) Force[T] { return Force[T]{tag: forceValue, value: v} }

// Absent returns an empty Force.
func Absent[T any]() Force[T] { return Force[T]{} }

// NewForce wraps v, forced if requested.
func NewForce[T any](v T, forced bool) Force[T] {
	if forced {
		return Forced(v)
	}
	return Value(v)
}

// IsForced reports whether the value was explicitly forced.
func (f Force[T]) IsForced() bool { return f.tag == forceForced }

// IsAbsent reports whether no value is held.
func (f Force[T]) IsAbsent() bool { return f.tag == forceAbsent }

// Get returns the payload and whether one is present.
func (f Force[T]) Get() (T, bool) {
	return f.value, f.tag != forceAbsent
}

// Or returns the payload, or def when absent.
func (f Force[T]) Or(def T) T {
	if f.tag == forceAbsent {
		return def
	}
	return f.value
}

// Take returns the current Force and resets the receiver to Absent.
func (f *Force[T]) Take() Force[T] {
	prev := *f
	*f = Force[T]{}
	return prev
}

// Same wraps v with the same degree of force as f. An absent f yields an
// absent result.
func Same[T, V any](f Force[T], v V) Force[V] {
	if f.tag == forceAbsent {
		return Force[V]{}
	}
	return Force[V]{tag: f.tag, value: v}
}

// MapForce transforms the payload and keeps the tag.
func MapForce[T, V any](f Force[T], fn func(T) V) Force[V] {
	if f.tag == forceAbsent {
		return Force[V]{}
	}
	return Force[V]{tag: f.tag, value: fn(f.value)}
}

// Prefer returns override when it is forced, otherwise f if present, and
// override as a last resort.
func Prefer[T any](f, override Force[T]) Force[T] {
	if override.IsForced() || f.IsAbsent() {
		return override
	}
	return f
}
