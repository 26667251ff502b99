package arena

import "fmt"

// MallocPaired allocates the same size from two independent arenas and
// returns both addresses. It is the supplemented `malloc2` operation
// described in the original source's asco.h: heap-mode builds that run with
// COW_APPEND_ONLY sometimes need a caller-maintained duplicate buffer rather
// than a single shadowed one, and malloc2 is how they get two independently
// addressed, identically sized allocations in one call.
func MallocPaired(a, b *Arena, n int) (ptrA, ptrB uintptr, err error) {
	ptrA, err = a.Malloc(n)
	if err != nil {
		return 0, 0, fmt.Errorf("arena: malloc2 first half: %w", err)
	}

	ptrB, err = b.Malloc(n)
	if err != nil {
		_ = a.Free(ptrA, n)

		return 0, 0, fmt.Errorf("arena: malloc2 second half: %w", err)
	}

	return ptrA, ptrB, nil
}

// FreePaired releases both halves of a MallocPaired allocation.
func FreePaired(a, b *Arena, ptrA, ptrB uintptr, n int) error {
	errA := a.Free(ptrA, n)
	errB := b.Free(ptrB, n)

	if errA != nil {
		return fmt.Errorf("arena: free2 first half: %w", errA)
	}

	if errB != nil {
		return fmt.Errorf("arena: free2 second half: %w", errB)
	}

	return nil
}
