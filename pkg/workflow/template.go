package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Template is a parameterized workflow definition. Placeholders of the form
// ${key} in task descriptions, params, and executor references are replaced
// at instantiation time.
type Template struct {
	// Name uniquely identifies the template in the registry.
	Name string `json:"name"`

	// Description is a human-readable description.
	Description string `json:"description,omitempty"`

	// Parameters declares the substitution keys an instantiation must
	// provide.
	Parameters []string `json:"parameters,omitempty"`

	// Workflow is the definition body carrying the placeholders.
	Workflow Workflow `json:"workflow"`
}

// Clone returns a deep copy of the template.
func (t *Template) Clone() *Template {
	c := *t
	c.Parameters = append([]string(nil), t.Parameters...)
	c.Workflow = *t.Workflow.Clone()
	return &c
}

// CreateTemplate registers a new template. The definition body is not
// graph-validated here; placeholders may stand in for structural fields,
// so validation happens at instantiation.
func (r *Registry) CreateTemplate(t *Template) error {
	if t.Name == "" {
		return NewPermanentError("template has empty name", nil).WithCode(CodeInvalidParam)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[t.Name]; exists {
		return errAlreadyExists("template", t.Name)
	}
	r.templates[t.Name] = t.Clone()
	return nil
}

// CreateTemplateFromWorkflow copies a registered workflow definition into a
// new template. The parameters declare the substitution keys instantiations
// must provide; the copied definition is expected to carry matching ${key}
// placeholders.
func (r *Registry) CreateTemplateFromWorkflow(templateName, workflowName string, parameters []string) error {
	wf, err := r.GetInfo(workflowName)
	if err != nil {
		return err
	}
	return r.CreateTemplate(&Template{
		Name:        templateName,
		Description: wf.Description,
		Parameters:  parameters,
		Workflow:    *wf,
	})
}

// GetTemplate returns a deep copy of a registered template.
func (r *Registry) GetTemplate(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.templates[name]
	if !exists {
		return nil, errNotFound("template", name)
	}
	return t.Clone(), nil
}

// ListTemplates returns the names of all registered templates, sorted.
func (r *Registry) ListTemplates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeleteTemplate removes a template from the registry.
func (r *Registry) DeleteTemplate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[name]; !exists {
		return errNotFound("template", name)
	}
	delete(r.templates, name)
	return nil
}

// InstantiateTemplate creates and registers a workflow from a template.
// Every declared parameter must be supplied; the instantiated definition is
// graph-validated before it enters the registry.
func (r *Registry) InstantiateTemplate(templateName, workflowName string, params map[string]string) (*Workflow, error) {
	t, err := r.GetTemplate(templateName)
	if err != nil {
		return nil, err
	}

	for _, key := range t.Parameters {
		if _, ok := params[key]; !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("missing template parameter %q", key), nil).
				WithCode(CodeInvalidParam).WithWorkflow(workflowName)
		}
	}

	wf := t.Workflow.Clone()
	wf.Name = workflowName
	wf.Description = substitute(wf.Description, params)
	for i := range wf.Tasks {
		task := &wf.Tasks[i]
		task.Description = substitute(task.Description, params)
		task.Executor = substitute(task.Executor, params)
		for k, v := range task.Params {
			task.Params[k] = substitute(v, params)
		}
	}

	if err := r.CreateWorkflow(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// substitute replaces ${key} placeholders for every supplied parameter.
// Placeholders without a supplied value are left untouched.
func substitute(s string, params map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for k, v := range params {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}
