package validation

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/dd0wney/cluso-segkv/pkg/logging"
)

var (
	// validate is a singleton validator instance
	validate *validator.Validate

	// MaxValueBytes bounds a single stored value. It matches the default
	// protocol line limit minus room for the command and key.
	MaxValueBytes = 1<<20 - 64
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their yaml names, which is what operators write.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	mustRegister("loglevel", func(fl validator.FieldLevel) bool {
		_, err := logging.ParseLevelStrict(fl.Field().String())
		return err == nil
	})
	mustRegister("listenaddr", func(fl validator.FieldLevel) bool {
		return ValidateListenAddress(fl.Field().String()) == nil
	})
	mustRegister("segvalue", func(fl validator.FieldLevel) bool {
		return ValidateValue(fl.Field().String()) == nil
	})
}

func mustRegister(tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// Struct validates v against its `validate` tags and reports every
// failing field.
func Struct(v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}
	return formatValidationError(validate.Struct(v))
}

// ValidateListenAddress checks a host:port pair with a numeric port. An
// empty host means all interfaces.
func ValidateListenAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("address %q: invalid port %q", addr, port)
	}
	return nil
}

// ValidateValue checks that a value can be stored as one segment record
// and sent as one protocol line. A trailing carriage return is rejected
// because CRLF line endings would drop it in transit.
func ValidateValue(value string) error {
	if strings.ContainsRune(value, '\n') {
		return errors.New("value must not contain a newline")
	}
	if strings.HasSuffix(value, "\r") {
		return errors.New("value must not end with a carriage return")
	}
	if !utf8.ValidString(value) {
		return errors.New("value must be valid UTF-8")
	}
	if len(value) > MaxValueBytes {
		return fmt.Errorf("value exceeds maximum length of %d bytes", MaxValueBytes)
	}
	return nil
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	errs := make([]error, 0, len(validationErrs))
	for _, e := range validationErrs {
		field := strings.TrimPrefix(e.Namespace(), rootName(e))
		param := e.Param()

		switch e.Tag() {
		case "required":
			errs = append(errs, fmt.Errorf("%s: field is required", field))
		case "min", "gte":
			errs = append(errs, fmt.Errorf("%s: must be at least %s", field, param))
		case "max", "lte":
			errs = append(errs, fmt.Errorf("%s: must not exceed %s", field, param))
		case "loglevel":
			errs = append(errs, fmt.Errorf("%s: unknown log level %q", field, e.Value()))
		case "listenaddr":
			errs = append(errs, fmt.Errorf("%s: %q is not a host:port address", field, e.Value()))
		case "segvalue":
			errs = append(errs, fmt.Errorf("%s: not a storable value", field))
		default:
			errs = append(errs, fmt.Errorf("%s: validation failed (%s)", field, e.Tag()))
		}
	}
	return errors.Join(errs...)
}

// rootName is the top-level struct prefix of a namespace, dot included.
func rootName(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[:i+1]
	}
	return ""
}
