package serializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/i2y/flowkeep/internal/storage"
	"github.com/i2y/flowkeep/process"
)

// ResolvedSpec is a stored subprocess spec together with its row id.
type ResolvedSpec struct {
	ID   string
	Spec *process.Spec
}

// CreateSpec stores spec unless a spec with the same name already exists,
// then records a dependency edge for every subprocess reference that deps
// can satisfy. Children created here are walked for their own references;
// children that already existed are linked but not walked again. The whole
// tree is written in one transaction. The returned id may belong to a
// pre-existing row.
func (s *Serializer) CreateSpec(ctx context.Context, spec *process.Spec, deps map[string]*process.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	for name, dep := range deps {
		if err := dep.Validate(); err != nil {
			return "", fmt.Errorf("dependency %q: %w", name, err)
		}
	}

	var id string
	err := storage.RunInTransaction(ctx, s.store, func(ctx context.Context) error {
		var err error
		id, _, err = s.findOrCreateSpec(ctx, spec)
		if err != nil {
			return err
		}
		return s.linkDependencies(ctx, id, spec, deps, map[string]bool{spec.Name: true})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Serializer) findOrCreateSpec(ctx context.Context, spec *process.Spec) (id string, created bool, err error) {
	existing, err := s.store.GetSpecByName(ctx, spec.Name)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up spec %q: %w", spec.Name, err)
	}
	if existing != nil {
		return existing.ID, false, nil
	}

	doc, err := process.SerializeSpec(spec)
	if err != nil {
		return "", false, fmt.Errorf("failed to serialize spec %q: %w", spec.Name, err)
	}
	rec := &storage.SpecRecord{ID: uuid.NewString(), Name: spec.Name, Document: doc}
	if err := s.store.CreateSpec(ctx, rec); err != nil {
		return "", false, fmt.Errorf("failed to create spec %q: %w", spec.Name, err)
	}
	slog.Debug("created spec", "spec_id", rec.ID, "spec", spec.Name)
	return rec.ID, true, nil
}

func (s *Serializer) linkDependencies(ctx context.Context, parentID string, parent *process.Spec, deps map[string]*process.Spec, visiting map[string]bool) error {
	for _, ref := range parent.SubprocessRefs() {
		child, ok := deps[ref]
		if !ok {
			continue
		}
		childID, created, err := s.findOrCreateSpec(ctx, child)
		if err != nil {
			return err
		}
		if err := s.store.AddSpecDependency(ctx, parentID, childID); err != nil {
			return fmt.Errorf("failed to link spec %q to %q: %w", parent.Name, child.Name, err)
		}
		if !created || visiting[child.Name] {
			continue
		}
		visiting[child.Name] = true
		if err := s.linkDependencies(ctx, childID, child, deps, visiting); err != nil {
			return err
		}
	}
	return nil
}

// GetSpec loads a spec. With includeDeps the direct children are returned
// keyed by name; deeper levels need further calls or
// ResolveSubprocessSpecs.
func (s *Serializer) GetSpec(ctx context.Context, id string, includeDeps bool) (*process.Spec, map[string]*process.Spec, error) {
	rec, err := s.store.GetSpec(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get spec %s: %w", id, err)
	}
	if rec == nil {
		return nil, nil, &NotFoundError{Kind: "spec", ID: id}
	}
	spec, err := process.DecodeSpec(rec.Document)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode spec %s: %w", id, err)
	}
	if !includeDeps {
		return spec, nil, nil
	}

	children, err := s.store.ListSpecDependencies(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list dependencies of spec %s: %w", id, err)
	}
	deps := make(map[string]*process.Spec, len(children))
	for _, child := range children {
		cs, err := process.DecodeSpec(child.Document)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decode spec %s: %w", child.ID, err)
		}
		deps[cs.Name] = cs
	}
	return spec, deps, nil
}

// ListSpecs lists specs ordered by name.
func (s *Serializer) ListSpecs(ctx context.Context) ([]*storage.SpecSummary, error) {
	return s.store.ListSpecs(ctx)
}

// DeleteSpec removes a spec and its dependency edges. It returns false and
// a *ReferentialConflictError while a workflow still uses the spec.
func (s *Serializer) DeleteSpec(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := storage.RunInTransaction(ctx, s.store, func(ctx context.Context) error {
		rec, err := s.store.GetSpec(ctx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return &NotFoundError{Kind: "spec", ID: id}
		}
		deleted, err = s.store.DeleteSpec(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrReferenced) {
		return false, &ReferentialConflictError{SpecID: id}
	}
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// ResolveSubprocessSpecs follows dependency edges from specID breadth
// first and returns every reachable spec keyed by name. The first spec
// reached under a name wins.
func (s *Serializer) ResolveSubprocessSpecs(ctx context.Context, specID string) (map[string]*ResolvedSpec, error) {
	out := make(map[string]*ResolvedSpec)
	seen := map[string]bool{specID: true}
	queue := []string{specID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		children, err := s.store.ListSpecDependencies(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list dependencies of spec %s: %w", id, err)
		}
		for _, child := range children {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			spec, err := process.DecodeSpec(child.Document)
			if err != nil {
				return nil, fmt.Errorf("failed to decode spec %s: %w", child.ID, err)
			}
			if _, dup := out[spec.Name]; !dup {
				out[spec.Name] = &ResolvedSpec{ID: child.ID, Spec: spec}
			}
			queue = append(queue, child.ID)
		}
	}
	return out, nil
}

// SpecMap flattens resolved specs into the name-to-spec form a workflow
// graph uses.
func SpecMap(resolved map[string]*ResolvedSpec) map[string]*process.Spec {
	out := make(map[string]*process.Spec, len(resolved))
	for name, r := range resolved {
		out[name] = r.Spec
	}
	return out
}
