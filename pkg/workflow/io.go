package workflow

import (
	"encoding/json"
	"os"
	"sort"
)

// ExportJSON serializes a registered workflow definition. The encoding
// round-trips: importing the output yields a structurally equal definition.
func (r *Registry) ExportJSON(name string) ([]byte, error) {
	wf, err := r.GetInfo(name)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return nil, NewPermanentError("encode workflow", err).
			WithCode(CodeInternal).WithWorkflow(name)
	}
	return data, nil
}

// ImportJSON registers a workflow from its exported JSON form. The
// dependency graph is validated before registration; the workflow name is
// returned on success.
func (r *Registry) ImportJSON(data []byte) (string, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return "", NewPermanentError("decode workflow", err).WithCode(CodeInvalidParam)
	}
	if err := r.CreateWorkflow(&wf); err != nil {
		return "", err
	}
	return wf.Name, nil
}

// registryFile is the on-disk form of a full registry dump.
type registryFile struct {
	Workflows []*Workflow `json:"workflows"`
	Templates []*Template `json:"templates,omitempty"`
	Schedules []Schedule  `json:"schedules,omitempty"`
}

// Save writes every workflow, template, and schedule to a JSON file.
func (r *Registry) Save(path string) error {
	r.mu.RLock()
	dump := registryFile{
		Workflows: make([]*Workflow, 0, len(r.workflows)),
		Templates: make([]*Template, 0, len(r.templates)),
		Schedules: make([]Schedule, 0, len(r.schedules)),
	}
	for _, wf := range r.workflows {
		dump.Workflows = append(dump.Workflows, wf.Clone())
	}
	for _, t := range r.templates {
		dump.Templates = append(dump.Templates, t.Clone())
	}
	for _, s := range r.schedules {
		dump.Schedules = append(dump.Schedules, *s)
	}
	r.mu.RUnlock()

	sort.Slice(dump.Workflows, func(i, j int) bool {
		return dump.Workflows[i].Name < dump.Workflows[j].Name
	})
	sort.Slice(dump.Templates, func(i, j int) bool {
		return dump.Templates[i].Name < dump.Templates[j].Name
	})

	data, err := json.MarshalIndent(&dump, "", "  ")
	if err != nil {
		return NewPermanentError("encode registry", err).WithCode(CodeInternal)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return NewTransientError("write registry file", err).WithCode(CodeInternal)
	}
	return nil
}

// Load replaces the registry contents with a file written by Save. Every
// workflow graph is validated before anything is replaced; a bad file
// leaves the registry untouched.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewTransientError("read registry file", err).WithCode(CodeInternal)
	}
	var dump registryFile
	if err := json.Unmarshal(data, &dump); err != nil {
		return NewPermanentError("decode registry file", err).WithCode(CodeInvalidParam)
	}

	names := make(map[string]bool, len(dump.Workflows))
	for _, wf := range dump.Workflows {
		if _, err := BuildGraph(wf); err != nil {
			return err
		}
		names[wf.Name] = true
	}
	for i := range dump.Schedules {
		s := &dump.Schedules[i]
		if err := s.Validate(); err != nil {
			return err
		}
		if !names[s.Workflow] {
			return errNotFound("workflow", s.Workflow)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.workflows = make(map[string]*Workflow, len(dump.Workflows))
	for _, wf := range dump.Workflows {
		r.workflows[wf.Name] = wf
	}
	r.templates = make(map[string]*Template, len(dump.Templates))
	for _, t := range dump.Templates {
		r.templates[t.Name] = t
	}
	r.schedules = make(map[string]*Schedule, len(dump.Schedules))
	for i := range dump.Schedules {
		s := dump.Schedules[i]
		r.schedules[s.Workflow] = &s
	}
	return nil
}
