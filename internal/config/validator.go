package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/anneal-io/anneal/internal/resource"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

// validatorInstance returns the shared validator with the resource tag
// validators registered.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("resource_kind", func(fl validator.FieldLevel) bool {
			return resource.Kind(fl.Field().String()).Validate() == nil
		})

		_ = v.RegisterValidation("resource_id", func(fl validator.FieldLevel) bool {
			return resource.ValidateID(fl.Field().String()) == nil
		})

		validateInst = v
	})

	return validateInst
}

func convertValidationError(err error) error {
	if err == nil {
		return nil
	}

	if ves, ok := err.(validator.ValidationErrors); ok {
		ve := ves[0]
		return fmt.Errorf("%s failed validation for tag %q", yamlishFieldName(ve), ve.Tag())
	}
	return err
}

func yamlishFieldName(fe validator.FieldError) string {
	parts := strings.Split(fe.StructNamespace(), ".")
	lowered := make([]string, len(parts))
	for i, part := range parts {
		lowered[i] = strings.ToLower(part)
	}
	return strings.Join(lowered, ".")
}
