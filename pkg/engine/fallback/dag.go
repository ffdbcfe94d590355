package fallback

import "fmt"

// BuildDAG orders steps so every step runs after the steps producing its
// inputs, then drops the steps none of wantTensors depend on.
func BuildDAG(steps []*Step, available []TensorID, wantTensors []TensorID) ([]*Step, error) {
	evaluationOrder := make([]*Step, 0, len(steps))
	scheduled := make([]bool, len(steps))
	done := make(map[TensorID]bool)
	done[""] = true
	for _, id := range available {
		done[id] = true
	}

	for {
		progress := false
		for i, step := range steps {
			if scheduled[i] {
				continue
			}

			ready := true
			for _, dep := range step.Inputs {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				scheduled[i] = true
				for _, id := range step.Outputs {
					done[id] = true
				}
				evaluationOrder = append(evaluationOrder, step)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, id := range wantTensors {
		if !done[id] {
			return nil, fmt.Errorf("tensor %q could not be computed (unreachable in computation graph)", id)
		}
	}

	needed := make(map[TensorID]bool)
	for _, id := range wantTensors {
		needed[id] = true
	}
	var pruned []*Step
	for i := len(evaluationOrder) - 1; i >= 0; i-- {
		step := evaluationOrder[i]
		keep := false
		for _, id := range step.Outputs {
			if needed[id] {
				keep = true
				break
			}
		}
		if !keep {
			continue
		}
		for _, id := range step.Inputs {
			needed[id] = true
		}
		pruned = append(pruned, step)
	}
	for i, j := 0, len(pruned)-1; i < j; i, j = i+1, j-1 {
		pruned[i], pruned[j] = pruned[j], pruned[i]
	}

	return pruned, nil
}
