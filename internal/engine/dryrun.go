// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

// Plan describes what DryRun would execute without running it, mirroring
// the teacher's Submit(DryRun: true) path (internal/controller/runner
// dryrun.go) generalized away from YAML-declared steps.
type Plan struct {
	WorkflowName string   `json:"workflow_name"`
	Steps        []string `json:"steps"`
}

// DryRun returns the ordered list of step names def would execute against
// initial, honoring ShouldContinue but never calling Execute. Useful for
// previewing a workflow before committing to it (e.g. deploygraphctl plan
// --dry-run).
func DryRun[S any](def Definition[S], initial S) Plan {
	plan := Plan{WorkflowName: def.Name}
	state := initial
	for _, step := range def.Steps {
		if def.ShouldContinue != nil && !def.ShouldContinue(state) {
			break
		}
		plan.Steps = append(plan.Steps, step.Name)
	}
	return plan
}
