// Package validator wraps go-playground/validator with the broker's custom
// rules and human readable failure messages.
package validator

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// WireGuardKeyLen is the length of a base64 encoded Curve25519 public key.
const WireGuardKeyLen = 44

var (
	once     sync.Once
	validate *validator.Validate
)

// FieldError is a single failed rule. Field uses the json name when one is declared.
type FieldError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param,omitempty"`
}

// Message renders the failure for API clients.
func (f FieldError) Message() string {
	field := strings.ToLower(strings.ReplaceAll(f.Field, "_", " "))
	if field == "" {
		field = "field"
	}
	switch f.Tag {
	case "required":
		return field + " is required"
	case "wgkey":
		return field + " must be a base64 encoded WireGuard public key"
	case "hostname_port":
		return field + " must be a host:port pair"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, f.Param)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, f.Param)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, f.Param)
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, f.Param)
	}
	if f.Param != "" {
		return fmt.Sprintf("%s failed %s=%s", field, f.Tag, f.Param)
	}
	return fmt.Sprintf("%s failed %s", field, f.Tag)
}

// Errors collects every failed rule of one struct.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e))
	for i, f := range e {
		msgs[i] = f.Message()
	}
	return strings.Join(msgs, "; ")
}

// ValidateStruct runs the struct's validate tags. Rule failures come back as Errors.
func ValidateStruct(s any) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	out := make(Errors, 0, len(ve))
	for _, fe := range ve {
		out = append(out, FieldError{Field: fe.Field(), Tag: fe.Tag(), Param: fe.Param()})
	}
	return out
}

// Describe turns a ValidateStruct error into a client message.
func Describe(err error) string {
	var ve Errors
	if errors.As(err, &ve) && len(ve) > 0 {
		return ve.Error()
	}
	return "invalid request payload"
}

// IsWireGuardKey reports whether value is a base64 encoded 32 byte Curve25519 key.
func IsWireGuardKey(value string) bool {
	value = strings.TrimSpace(value)
	if len(value) != WireGuardKeyLen {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	return err == nil && len(raw) == 32
}

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonName)
		if err := validate.RegisterValidation("wgkey", func(fl validator.FieldLevel) bool {
			return IsWireGuardKey(fl.Field().String())
		}); err != nil {
			panic(err)
		}
	})
	return validate
}

func jsonName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return fld.Name
	}
	return name
}
