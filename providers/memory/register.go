package memory

import (
	"github.com/anneal-io/anneal/internal/registry"
	"github.com/anneal-io/anneal/internal/resource"
)

const (
	KindProject resource.Kind = "memory::Project"
	KindToken   resource.Kind = "memory::Token"
)

// Register binds the provider's handlers, all backed by svc.
func Register(reg *registry.Registry, svc *Service) error {
	if err := reg.Register(KindProject, NewProjectHandler(svc)); err != nil {
		return err
	}
	return reg.Register(KindToken, NewTokenHandler(svc))
}
