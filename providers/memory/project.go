package memory

import (
	"errors"
	"fmt"

	"github.com/anneal-io/anneal/internal/engine"
	"github.com/anneal-io/anneal/internal/resource"
)

// ProjectHandler implements memory::Project.
//
// Props: name (string, the natural key), region (string, immutable
// after create), labels (string map), adopt (bool). Output adds
// remote_id; region always reflects the remote object, since the API
// cannot change it.
type ProjectHandler struct {
	svc *Service
}

func NewProjectHandler(svc *Service) *ProjectHandler { return &ProjectHandler{svc: svc} }

func (h *ProjectHandler) Apply(rc *resource.Context, props resource.Props) (resource.Output, error) {
	name, _ := props["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("memory::Project %q: props.name is required", rc.ID())
	}
	region, _ := props["region"].(string)
	labels := stringMap(props["labels"])

	if rc.Phase() == resource.PhaseUpdate {
		if rid, ok := rc.Prior()["remote_id"].(string); ok && rid != "" {
			obj, err := h.svc.UpdateProject(rid, name, labels)
			switch {
			case err == nil:
				// region is immutable: excluded from the patch, remote value wins
				return rc.BuildOutput(resource.Output{"remote_id": obj.ID, "region": obj.Region}), nil
			case errors.Is(err, ErrNotFound):
				// the remote object vanished; create it again below
			case errors.Is(err, ErrExists):
				return nil, &engine.ConflictError{Kind: rc.Kind(), ID: rc.ID(), Key: name}
			default:
				return nil, &engine.ProviderError{Kind: rc.Kind(), ID: rc.ID(), Op: rc.Phase(), Err: err}
			}
		}
	}

	if existing, ok := h.svc.FindProjectByName(name); ok {
		if adopt, _ := props["adopt"].(bool); !adopt {
			return nil, &engine.ConflictError{Kind: rc.Kind(), ID: rc.ID(), Key: name}
		}
		return rc.BuildOutput(resource.Output{"remote_id": existing.ID, "region": existing.Region}), nil
	}

	obj, err := h.svc.CreateProject(name, region, labels)
	if err != nil {
		if errors.Is(err, ErrExists) {
			return nil, &engine.ConflictError{Kind: rc.Kind(), ID: rc.ID(), Key: name}
		}
		return nil, &engine.ProviderError{Kind: rc.Kind(), ID: rc.ID(), Op: rc.Phase(), Err: err}
	}
	return rc.BuildOutput(resource.Output{"remote_id": obj.ID, "region": obj.Region}), nil
}

func (h *ProjectHandler) Delete(rc *resource.Context) error {
	rid, ok := rc.Prior()["remote_id"].(string)
	if !ok || rid == "" {
		rc.MarkDestroyed() // nothing was ever bound remotely
		return nil
	}
	err := h.svc.DeleteProject(rid)
	if err == nil || errors.Is(err, ErrNotFound) {
		rc.MarkDestroyed()
		return nil
	}
	return &engine.ProviderError{Kind: rc.Kind(), ID: rc.ID(), Op: resource.PhaseDelete, Err: err}
}

func stringMap(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return copyLabels(m)
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}
