package workflow

import "fmt"

// Validate checks the load-time invariants from spec §3/§7: contiguous
// order_index, group references resolve, and no repeat_group references
// its own containing group (cycle prevention). Template references are
// checked by the caller against the template store, since this package
// has no store dependency.
func (w *Workflow) Validate() error {
	if err := validateOrderIndex(w.Steps); err != nil {
		return err
	}
	if err := validateGroups(w.Steps); err != nil {
		return err
	}
	return nil
}

func validateOrderIndex(steps []Step) error {
	for i, s := range steps {
		if s.Base().OrderIndex != i {
			return fmt.Errorf("workflow load error: order_index not contiguous at position %d (got %d)", i, s.Base().OrderIndex)
		}
	}
	return nil
}

// groupOf returns, for each step, the loop_group_name it belongs to (empty
// string if it's not a member of any group).
func groupOf(s Step) string {
	return s.Base().GroupName
}

func validateGroups(steps []Step) error {
	known := make(map[string]bool)
	for _, s := range steps {
		if g := groupOf(s); g != "" {
			known[g] = true
		}
	}

	for _, s := range steps {
		rg, ok := s.(*RepeatGroupStep)
		if !ok {
			continue
		}
		if rg.LoopGroupName == "" {
			return fmt.Errorf("workflow load error: repeat_group at order_index %d has no loop_group_name", rg.OrderIndex)
		}
		if !known[rg.LoopGroupName] {
			return fmt.Errorf("workflow load error: repeat_group at order_index %d references unknown group %q", rg.OrderIndex, rg.LoopGroupName)
		}
		// Cycle prevention: a repeat_group step must not itself be a member
		// of the group it drives.
		if rg.GroupName == rg.LoopGroupName {
			return fmt.Errorf("workflow load error: repeat_group at order_index %d references its own containing group %q", rg.OrderIndex, rg.LoopGroupName)
		}
	}
	return nil
}

// StepsInGroup returns the steps whose GroupName matches name, preserving
// their relative (ascending order_index) order.
func StepsInGroup(steps []Step, name string) []Step {
	var out []Step
	for _, s := range steps {
		if s.Base().GroupName == name {
			out = append(out, s)
		}
	}
	return out
}

// TemplateRefs returns every template_ref a workflow's steps mention, for
// callers that want to validate references exist in the template store
// before accepting a workflow.
func TemplateRefs(steps []Step) []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(ref string) {
		if ref == "" || seen[ref] {
			return
		}
		seen[ref] = true
		refs = append(refs, ref)
	}

	for _, s := range steps {
		switch st := s.(type) {
		case *ImageMatchStep:
			add(st.TemplateRef)
		case *FindAllClickStep:
			add(st.TemplateRef)
		case *LoopClickStep:
			add(st.TemplateRef)
		case *RepeatGroupStep:
			add(st.StopTemplateRef)
		}
	}
	return refs
}
