package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/terra-clan/cert-engine/internal/models"
)

// Validator checks decoded API requests against their struct tags
type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterValidation("certificate_type", validateCertificateType)

	return &Validator{validate: v}
}

// Validate returns a description of the first invalid field, or nil
func (v *Validator) Validate(i interface{}) error {
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "email":
		return fmt.Errorf("%s must be a valid email address", fe.Field())
	case "url":
		return fmt.Errorf("%s must be a valid URL", fe.Field())
	case "eth_addr":
		return fmt.Errorf("%s must be a valid wallet address", fe.Field())
	case "certificate_type":
		return fmt.Errorf("%s is not a known certificate type", fe.Field())
	case "gtfield":
		return fmt.Errorf("%s must be after %s", fe.Field(), snakeCase(fe.Param()))
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Errorf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// validateCertificateType accepts any type some activity kind can issue.
// Whether it fits a particular activity is checked by the ledger.
func validateCertificateType(fl validator.FieldLevel) bool {
	certType := fl.Field().String()
	for _, kind := range []models.ActivityKind{models.KindHackathon, models.KindInternship} {
		if models.AllowsCertificateType(kind, certType) {
			return true
		}
	}
	return false
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
