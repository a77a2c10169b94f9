package harness

import (
	"fmt"

	"github.com/conformax/kernelconf/device"
)

// SlotBinding describes one binding slot: which buffer range a kernel sees
// at that slot. All bindings are storage buffers.
type SlotBinding struct {
	Slot   int
	Buffer device.Buffer
	Offset int64
	Length int64
}

// BindingTable is the ordered slot assignment for one dispatch. Slot i is
// the i-th buffer in declaration order (inputs first, then outputs). The
// table is read-only after construction; the order dependency is the
// kernel author's contract and the table must preserve it exactly.
type BindingTable []SlotBinding

// newBindingTable assigns slots positionally from the given buffers, each
// bound at offset 0 for its full size.
func newBindingTable(buffers []*deviceBuffer) BindingTable {
	table := make(BindingTable, len(buffers))
	for i, db := range buffers {
		table[i] = SlotBinding{Slot: i, Buffer: db.buf, Offset: 0, Length: db.size}
	}
	return table
}

func (t BindingTable) writes() []device.SlotWrite {
	writes := make([]device.SlotWrite, len(t))
	for i, sb := range t {
		writes[i] = device.SlotWrite{Slot: sb.Slot, Buffer: sb.Buffer, Offset: sb.Offset, Length: sb.Length}
	}
	return writes
}

// createBindingSet allocates a binding set from the pool against the layout
// and populates it from the table. The layout must have exactly one slot
// per table entry.
func createBindingSet(dev device.Device, pool device.BindingPool, layout device.BindingLayout, table BindingTable) (device.BindingSet, error) {
	if layout.Slots() != len(table) {
		return nil, fmt.Errorf("layout has %d slots, binding table has %d entries", layout.Slots(), len(table))
	}

	set, err := dev.AllocateBindingSet(pool, layout)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate binding set: %w", err)
	}
	if err := dev.UpdateBindingSet(set, table.writes()); err != nil {
		return nil, fmt.Errorf("failed to update binding set: %w", err)
	}
	return set, nil
}
