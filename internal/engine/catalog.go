package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/repo"
)

var templateVersionRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// TemplatePhaseSpec is one phase definition inside a template request.
type TemplatePhaseSpec struct {
	Name               string
	Order              int
	MandatoryArtifacts []string
}

// TemplateCreateOptions are parameters for registering a template.
// Configuration is an optional free-form JSON document carried with the
// template and copied into new versions.
type TemplateCreateOptions struct {
	Name          string
	Description   string
	Version       string
	Configuration string
	Phases        []TemplatePhaseSpec
	ActorID       string
}

func validateTemplateConfiguration(cfg string) error {
	if cfg == "" {
		return nil
	}
	if !json.Valid([]byte(cfg)) {
		return ValidationError{Msg: "configuration is not valid JSON"}
	}
	return nil
}

func (e Engine) validateTemplatePhases(phases []TemplatePhaseSpec) error {
	if len(phases) == 0 {
		return ValidationError{Msg: "a template needs at least one phase"}
	}
	seenOrders := map[int]bool{}
	seenNames := map[string]bool{}
	for _, ph := range phases {
		if ph.Name == "" {
			return ValidationError{Msg: "phase name is required"}
		}
		if seenNames[ph.Name] {
			return ValidationError{Msg: fmt.Sprintf("duplicate phase name %q", ph.Name)}
		}
		seenNames[ph.Name] = true
		if ph.Order < 1 {
			return ValidationError{Msg: fmt.Sprintf("phase %q has order %d; orders start at 1", ph.Name, ph.Order)}
		}
		if seenOrders[ph.Order] {
			return ValidationError{Msg: fmt.Sprintf("duplicate phase order %d", ph.Order)}
		}
		seenOrders[ph.Order] = true
		for _, at := range ph.MandatoryArtifacts {
			if !e.Config.KnownArtifactType(at) {
				return ValidationError{Msg: fmt.Sprintf("unknown artifact type %q in phase %q", at, ph.Name)}
			}
		}
	}
	return nil
}

func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.Template, error) {
	if opts.Name == "" {
		return domain.Template{}, ValidationError{Msg: "name is required"}
	}
	if opts.Version == "" {
		opts.Version = "1"
	}
	if !templateVersionRe.MatchString(opts.Version) {
		return domain.Template{}, ValidationError{Msg: fmt.Sprintf("invalid version %q", opts.Version)}
	}
	if err := validateTemplateConfiguration(opts.Configuration); err != nil {
		return domain.Template{}, err
	}
	if err := e.validateTemplatePhases(opts.Phases); err != nil {
		return domain.Template{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	t := domain.Template{
		Name:        opts.Name,
		Description: opts.Description,
		Version:     opts.Version,
		ConfigJSON:  opts.Configuration,
		CreatedAt:   e.nowRFC3339(),
	}
	t.ID, err = e.Repo.InsertTemplateTx(ctx, tx, t)
	if err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Template{}, ConflictError{Msg: fmt.Sprintf("template %s version %s already exists", opts.Name, opts.Version)}
		}
		return domain.Template{}, fmt.Errorf("insert template: %w", err)
	}
	for _, ph := range opts.Phases {
		tp := domain.TemplatePhase{
			TemplateID:         t.ID,
			Name:               ph.Name,
			Order:              ph.Order,
			MandatoryArtifacts: ph.MandatoryArtifacts,
		}
		tp.ID, err = e.Repo.InsertTemplatePhaseTx(ctx, tx, tp)
		if err != nil {
			return domain.Template{}, fmt.Errorf("insert template phase: %w", err)
		}
		t.Phases = append(t.Phases, tp)
	}
	if err := e.Events.Append(ctx, tx, "template.created", 0, "template", fmt.Sprint(t.ID), opts.ActorID, events.EventPayload{"name": t.Name, "version": t.Version}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// SetDefaultTemplate promotes one template to be the instance default. At most
// one template carries the flag; the previous holder is cleared in the same
// transaction. Promoting the current default is a no-op.
func (e Engine) SetDefaultTemplate(ctx context.Context, templateID int64, actorID string) (domain.Template, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTemplateTx(ctx, tx, templateID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Template{}, NotFoundError{Kind: "template", ID: templateID}
		}
		return domain.Template{}, err
	}
	if t.IsDefault {
		return t, nil
	}
	if err := e.Repo.SwapDefaultTemplateTx(ctx, tx, templateID); err != nil {
		return domain.Template{}, err
	}
	t.IsDefault = true
	if err := e.Events.Append(ctx, tx, "template.default_set", 0, "template", fmt.Sprint(t.ID), actorID, nil); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// TemplateUpdateOptions replaces a template's mutable fields. A nil Phases
// slice leaves the phase list untouched; a non-nil slice replaces it. The
// same nil-keeps rule applies to Description and Configuration.
type TemplateUpdateOptions struct {
	Description   *string
	Configuration *string
	Phases        []TemplatePhaseSpec
	ActorID       string
}

// UpdateTemplate edits a template in place. Templates that projects were
// instantiated from are frozen; publish a new version instead.
func (e Engine) UpdateTemplate(ctx context.Context, templateID int64, opts TemplateUpdateOptions) (domain.Template, error) {
	if opts.Phases != nil {
		if err := e.validateTemplatePhases(opts.Phases); err != nil {
			return domain.Template{}, err
		}
	}
	if opts.Configuration != nil {
		if err := validateTemplateConfiguration(*opts.Configuration); err != nil {
			return domain.Template{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTemplateTx(ctx, tx, templateID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Template{}, NotFoundError{Kind: "template", ID: templateID}
		}
		return domain.Template{}, err
	}
	n, err := e.Repo.CountProjectsByTemplateTx(ctx, tx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	if n > 0 {
		return domain.Template{}, ConflictError{Msg: fmt.Sprintf("template %d is used by %d projects; create a new version", templateID, n)}
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Configuration != nil {
		t.ConfigJSON = *opts.Configuration
	}
	if err := e.Repo.UpdateTemplateTx(ctx, tx, t); err != nil {
		return domain.Template{}, err
	}
	if opts.Phases != nil {
		if err := e.Repo.DeleteTemplatePhasesTx(ctx, tx, templateID); err != nil {
			return domain.Template{}, err
		}
		t.Phases = nil
		for _, ph := range opts.Phases {
			tp := domain.TemplatePhase{
				TemplateID:         t.ID,
				Name:               ph.Name,
				Order:              ph.Order,
				MandatoryArtifacts: ph.MandatoryArtifacts,
			}
			tp.ID, err = e.Repo.InsertTemplatePhaseTx(ctx, tx, tp)
			if err != nil {
				return domain.Template{}, err
			}
			t.Phases = append(t.Phases, tp)
		}
	}
	if err := e.Events.Append(ctx, tx, "template.updated", 0, "template", fmt.Sprint(t.ID), opts.ActorID, nil); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// CreateTemplateVersion clones an existing template under a new version
// string, keeping the name. The clone starts non-default.
func (e Engine) CreateTemplateVersion(ctx context.Context, templateID int64, version, actorID string) (domain.Template, error) {
	if !templateVersionRe.MatchString(version) {
		return domain.Template{}, ValidationError{Msg: fmt.Sprintf("invalid version %q", version)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	src, err := e.Repo.GetTemplateTx(ctx, tx, templateID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Template{}, NotFoundError{Kind: "template", ID: templateID}
		}
		return domain.Template{}, err
	}
	clone := domain.Template{
		Name:        src.Name,
		Description: src.Description,
		Version:     version,
		ConfigJSON:  src.ConfigJSON,
		CreatedAt:   e.nowRFC3339(),
	}
	clone.ID, err = e.Repo.InsertTemplateTx(ctx, tx, clone)
	if err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Template{}, ConflictError{Msg: fmt.Sprintf("template %s version %s already exists", src.Name, version)}
		}
		return domain.Template{}, err
	}
	for _, ph := range src.Phases {
		tp := domain.TemplatePhase{
			TemplateID:         clone.ID,
			Name:               ph.Name,
			Order:              ph.Order,
			MandatoryArtifacts: ph.MandatoryArtifacts,
		}
		tp.ID, err = e.Repo.InsertTemplatePhaseTx(ctx, tx, tp)
		if err != nil {
			return domain.Template{}, err
		}
		clone.Phases = append(clone.Phases, tp)
	}
	if err := e.Events.Append(ctx, tx, "template.version_created", 0, "template", fmt.Sprint(clone.ID), actorID, events.EventPayload{"source": src.ID, "version": version}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return clone, nil
}

// sortedSet renders a mandatory-artifact set order-independently.
func sortedSet(items []string) string {
	s := append([]string(nil), items...)
	sort.Strings(s)
	return "[" + strings.Join(s, " ") + "]"
}

// TemplateDiff is one field-level difference between two templates.
type TemplateDiff struct {
	Field  string `json:"field"`
	Value1 string `json:"value1"`
	Value2 string `json:"value2"`
}

// CompareTemplates diffs two templates at phase granularity, keyed by order.
func (e Engine) CompareTemplates(ctx context.Context, id1, id2 int64) ([]TemplateDiff, error) {
	t1, err := e.Repo.GetTemplate(ctx, id1)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil, NotFoundError{Kind: "template", ID: id1}
		}
		return nil, err
	}
	t2, err := e.Repo.GetTemplate(ctx, id2)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil, NotFoundError{Kind: "template", ID: id2}
		}
		return nil, err
	}

	var diffs []TemplateDiff
	if t1.Name != t2.Name {
		diffs = append(diffs, TemplateDiff{Field: "name", Value1: t1.Name, Value2: t2.Name})
	}
	if t1.Version != t2.Version {
		diffs = append(diffs, TemplateDiff{Field: "version", Value1: t1.Version, Value2: t2.Version})
	}
	if t1.Description != t2.Description {
		diffs = append(diffs, TemplateDiff{Field: "description", Value1: t1.Description, Value2: t2.Description})
	}
	if t1.ConfigJSON != t2.ConfigJSON {
		diffs = append(diffs, TemplateDiff{Field: "configuration", Value1: t1.ConfigJSON, Value2: t2.ConfigJSON})
	}
	if len(t1.Phases) != len(t2.Phases) {
		diffs = append(diffs, TemplateDiff{Field: "phase_count", Value1: fmt.Sprint(len(t1.Phases)), Value2: fmt.Sprint(len(t2.Phases))})
	}
	byOrder := func(phases []domain.TemplatePhase) map[int]domain.TemplatePhase {
		m := make(map[int]domain.TemplatePhase, len(phases))
		for _, ph := range phases {
			m[ph.Order] = ph
		}
		return m
	}
	m1, m2 := byOrder(t1.Phases), byOrder(t2.Phases)
	maxOrder := 0
	for o := range m1 {
		if o > maxOrder {
			maxOrder = o
		}
	}
	for o := range m2 {
		if o > maxOrder {
			maxOrder = o
		}
	}
	for o := 1; o <= maxOrder; o++ {
		p1, ok1 := m1[o]
		p2, ok2 := m2[o]
		field := fmt.Sprintf("phase[%d]", o)
		switch {
		case ok1 && !ok2:
			diffs = append(diffs, TemplateDiff{Field: field, Value1: p1.Name, Value2: ""})
		case !ok1 && ok2:
			diffs = append(diffs, TemplateDiff{Field: field, Value1: "", Value2: p2.Name})
		case ok1 && ok2:
			if p1.Name != p2.Name {
				diffs = append(diffs, TemplateDiff{Field: field + ".name", Value1: p1.Name, Value2: p2.Name})
			}
			if s1, s2 := sortedSet(p1.MandatoryArtifacts), sortedSet(p2.MandatoryArtifacts); s1 != s2 {
				diffs = append(diffs, TemplateDiff{Field: field + ".mandatory_artifacts", Value1: s1, Value2: s2})
			}
		}
	}
	return diffs, nil
}
