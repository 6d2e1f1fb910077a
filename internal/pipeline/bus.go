package pipeline

import (
	"fmt"

	"github.com/mitchellh/copystructure"
)

// Outputs are the values a stage publishes for later stages. Backend outputs
// keep the engine's envelope, e.g. {"kubeconfig": {"value": ..., "sensitive": true}}.
type Outputs map[string]any

// Bus maps stage ids to their most recent outputs for the duration of one run.
// Values are copied on the way in and out so no stage can mutate another's entry.
type Bus struct {
	entries map[string]Outputs
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{entries: make(map[string]Outputs)}
}

// Put replaces the outputs recorded for stageID.
func (b *Bus) Put(stageID string, out Outputs) error {
	cp, err := copyOutputs(out)
	if err != nil {
		return fmt.Errorf("record outputs of stage %s: %w", stageID, err)
	}
	b.entries[stageID] = cp
	return nil
}

// Get returns a copy of the outputs recorded for stageID.
func (b *Bus) Get(stageID string) (Outputs, error) {
	out, ok := b.entries[stageID]
	if !ok {
		return nil, &UnknownStageError{Stage: stageID}
	}
	return copyOutputs(out)
}

// Has reports whether stageID has written outputs.
func (b *Bus) Has(stageID string) bool {
	_, ok := b.entries[stageID]
	return ok
}

// Lookup walks path through the nested maps of stageID's outputs.
func (b *Bus) Lookup(stageID string, path ...string) (any, error) {
	out, ok := b.entries[stageID]
	if !ok {
		return nil, &MissingDependencyError{Stage: stageID, Path: path, Err: &UnknownStageError{Stage: stageID}}
	}
	var cur any = map[string]any(out)
	for _, key := range path {
		var (
			next  any
			found bool
		)
		switch m := cur.(type) {
		case map[string]any:
			next, found = m[key]
		case Outputs:
			next, found = m[key]
		}
		if !found {
			return nil, &MissingDependencyError{Stage: stageID, Path: path}
		}
		cur = next
	}
	v, err := copystructure.Copy(cur)
	if err != nil {
		return nil, fmt.Errorf("copy output %v of stage %s: %w", path, stageID, err)
	}
	return v, nil
}

// Snapshot returns a copy of every entry.
func (b *Bus) Snapshot() map[string]Outputs {
	snap := make(map[string]Outputs, len(b.entries))
	for id, out := range b.entries {
		cp, err := copyOutputs(out)
		if err != nil {
			continue
		}
		snap[id] = cp
	}
	return snap
}

func copyOutputs(out Outputs) (Outputs, error) {
	if out == nil {
		return Outputs{}, nil
	}
	v, err := copystructure.Copy(out)
	if err != nil {
		return nil, err
	}
	return v.(Outputs), nil
}

// View is the read-only part of the bus a stage may see: its own entry and
// those of the stages before it.
type View struct {
	bus     *Bus
	visible map[string]bool
}

// View returns a read-only view of the given stages' entries.
func (b *Bus) View(stageIDs ...string) View {
	return newView(b, stageIDs)
}

func newView(bus *Bus, visible []string) View {
	v := View{bus: bus, visible: make(map[string]bool, len(visible))}
	for _, id := range visible {
		v.visible[id] = true
	}
	return v
}

// Get returns the outputs of an earlier stage.
func (v View) Get(stageID string) (Outputs, error) {
	if v.bus == nil || !v.visible[stageID] {
		return nil, &UnknownStageError{Stage: stageID}
	}
	return v.bus.Get(stageID)
}

// Lookup walks path through the outputs of an earlier stage.
func (v View) Lookup(stageID string, path ...string) (any, error) {
	if v.bus == nil || !v.visible[stageID] {
		return nil, &MissingDependencyError{Stage: stageID, Path: path, Err: &UnknownStageError{Stage: stageID}}
	}
	return v.bus.Lookup(stageID, path...)
}

// Value is a convenience for reading a backend output's "value" field.
func (v View) Value(stageID, output string) (any, error) {
	return v.Lookup(stageID, output, "value")
}
