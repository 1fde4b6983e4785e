package arena

import "github.com/x448/float16"

// canaryValue is written across a block's storage so a test can assert that
// a kernel only ever touches bytes that belong to a block it was handed.
const canaryValue = float16.Float16(0x7bad)

// CanaryWrite fills block id's K and V storage with a sentinel pattern. It
// is a test-only helper; production code never calls it.
func (a *Arena) CanaryWrite(id int) error {
	if err := a.checkAllocated(id); err != nil {
		return err
	}
	b := &a.blocks[id]
	for i := range b.K {
		b.K[i] = canaryValue
	}
	for i := range b.V {
		b.V[i] = canaryValue
	}
	return nil
}

// CanaryIntact reports whether every element of block id's K and V storage
// still equals the sentinel pattern CanaryWrite installed. A caller uses
// this to confirm a kernel dispatch path left slots it should not have
// touched untouched.
func (a *Arena) CanaryIntact(id int) (bool, error) {
	if err := a.checkAllocated(id); err != nil {
		return false, err
	}
	b := &a.blocks[id]
	for _, v := range b.K {
		if v != canaryValue {
			return false, nil
		}
	}
	for _, v := range b.V {
		if v != canaryValue {
			return false, nil
		}
	}
	return true, nil
}
