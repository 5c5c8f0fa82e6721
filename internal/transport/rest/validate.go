package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names so error meta matches the request body
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// validateStruct maps the first validator failure onto a domain error.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.ErrInternal(err)
	}
	fe := verrs[0]
	if fe.Tag() == "required" {
		return domain.ErrMissingField(fe.Field())
	}
	return domain.ErrInvalidField(fe.Field(), formatFieldError(fe))
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "alphanum":
		return "must be alphanumeric"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// fid accepts a Farcaster id sent either as a JSON string or a JSON number.
type fid string

func (f *fid) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = fid(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = fid(n.String())
	return nil
}

func (f *fid) ptr() *string {
	if f == nil {
		return nil
	}
	s := string(*f)
	return &s
}
