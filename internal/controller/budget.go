package controller

// Budget tracks the iteration allowance for one task run. A human decision
// at the exhaustion suspension point may extend it.
type Budget struct {
	max       int
	extension int
}

// NewBudget creates a budget of max attempts with a default extension size
// used when a human continues past exhaustion without naming one.
func NewBudget(max, extension int) *Budget {
	if max < 1 {
		max = 1
	}
	if extension < 1 {
		extension = 1
	}
	return &Budget{max: max, extension: extension}
}

// Exhausted reports whether the attempt counter has reached the budget.
func (b *Budget) Exhausted(attempts int) bool {
	return attempts >= b.max
}

// Extend grows the budget by n attempts, or by the default extension when
// n is not positive. It returns the new maximum.
func (b *Budget) Extend(n int) int {
	if n <= 0 {
		n = b.extension
	}
	b.max += n
	return b.max
}

// Max returns the current maximum.
func (b *Budget) Max() int {
	return b.max
}
