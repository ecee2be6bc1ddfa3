package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/edgeee/chatsync/messaging"
)

// Validator checks request bodies and event payloads against their
// `validate` struct tags.
type Validator struct {
	cli *validator.Validate
}

// ValidationError represents a rejected field. Field is the JSON name of the
// field so clients can map it back onto their form.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string { return e.Message }

func (v *Validator) formatError(err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Message: describe(fe),
		})
	}
	return out
}

func describe(fe validator.FieldError) string {
	name := fe.Field()
	if name == "" {
		name = "Value"
	}
	switch fe.Tag() {
	case "required", "notblank":
		return name + " is required"
	case "uuid":
		return name + " must be a valid id"
	case "max":
		return fmt.Sprintf("%s must be at most %s", name, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", name, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", name, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", name, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "http_url", "url":
		return name + " must be a valid URL"
	default:
		return fmt.Sprintf("%s is invalid (%s)", name, fe.Tag())
	}
}

// ValidateStruct validates the provided struct using the underlying validator and returns a slice of validation errors.
func (v *Validator) ValidateStruct(s any) []ValidationError {
	err := v.cli.Struct(s)
	if err != nil {
		return v.formatError(err)
	}
	return nil
}

// Validate checks the provided value against the specified validation tags and returns a slice of validation errors.
func (v *Validator) Validate(value any, tag string) []ValidationError {
	err := v.cli.Var(value, tag)
	if err != nil {
		return v.formatError(err)
	}
	return nil
}

// Check validates s and reports the first failure as a validation error of
// the messaging error taxonomy.
func (v *Validator) Check(s any) error {
	errs := v.ValidateStruct(s)
	if len(errs) == 0 {
		return nil
	}
	return messaging.Validationf("%s", errs[0].Message)
}

// New initializes and returns a new instance of the Validator
func New() *Validator {
	cli := validator.New(validator.WithRequiredStructEnabled())
	cli.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	// notblank rejects strings that are empty once trimmed.
	_ = cli.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		f := fl.Field()
		if f.Kind() != reflect.String {
			return !f.IsZero()
		}
		return strings.TrimSpace(f.String()) != ""
	})
	return &Validator{cli: cli}
}
