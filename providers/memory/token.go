package memory

import (
	"errors"
	"fmt"

	"github.com/anneal-io/anneal/internal/engine"
	"github.com/anneal-io/anneal/internal/resource"
)

// TokenHandler implements memory::Token.
//
// Props: project (remote project id, typically written as
// ref://<id>/remote_id), note (string, mutable). Output adds remote_id
// and the server-minted secret as a typed Secret. Tokens have no
// natural key: every create mints a fresh one, so adopt does not apply.
type TokenHandler struct {
	svc *Service
}

func NewTokenHandler(svc *Service) *TokenHandler { return &TokenHandler{svc: svc} }

func (h *TokenHandler) Apply(rc *resource.Context, props resource.Props) (resource.Output, error) {
	projectID, _ := props["project"].(string)
	if projectID == "" {
		return nil, fmt.Errorf("memory::Token %q: props.project is required", rc.ID())
	}
	note, _ := props["note"].(string)

	if rc.Phase() == resource.PhaseUpdate {
		if rid, ok := rc.Prior()["remote_id"].(string); ok && rid != "" {
			obj, err := h.svc.UpdateToken(rid, note)
			switch {
			case err == nil:
				// the secret never rotates on update
				return rc.BuildOutput(resource.Output{
					"remote_id": obj.ID,
					"secret":    resource.NewSecret(obj.Secret),
				}), nil
			case errors.Is(err, ErrNotFound):
				// vanished remotely; mint a replacement below
			default:
				return nil, &engine.ProviderError{Kind: rc.Kind(), ID: rc.ID(), Op: rc.Phase(), Err: err}
			}
		}
	}

	obj, err := h.svc.CreateToken(projectID, note)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &engine.ProviderError{Kind: rc.Kind(), ID: rc.ID(), Op: rc.Phase(), StatusCode: 404, Err: err}
		}
		return nil, &engine.ProviderError{Kind: rc.Kind(), ID: rc.ID(), Op: rc.Phase(), Err: err}
	}
	return rc.BuildOutput(resource.Output{
		"remote_id": obj.ID,
		"secret":    resource.NewSecret(obj.Secret),
	}), nil
}

func (h *TokenHandler) Delete(rc *resource.Context) error {
	rid, ok := rc.Prior()["remote_id"].(string)
	if !ok || rid == "" {
		rc.MarkDestroyed()
		return nil
	}
	err := h.svc.DeleteToken(rid)
	if err == nil || errors.Is(err, ErrNotFound) {
		rc.MarkDestroyed()
		return nil
	}
	return &engine.ProviderError{Kind: rc.Kind(), ID: rc.ID(), Op: resource.PhaseDelete, Err: err}
}
