package fieldcrypt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	autherror "github.com/Emcas152/CRMv2-sub000/internal/errors"
)

// Kind names the shape a sensitive value must have before it is encrypted.
type Kind string

const (
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
	KindPrice Kind = "price"
	KindText  Kind = "text"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
	maxPrice       = 999999.99
	maxTextLen     = 4096
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return validPhone(fl.Field().String())
	})
	return v
}

// Validate checks value against kind and wraps ErrFieldValidation on failure.
func (c *Cipher) Validate(value string, kind Kind) error {
	return Validate(value, kind)
}

// Validate is the Cipher-less form of (*Cipher).Validate.
func Validate(value string, kind Kind) error {
	value = strings.TrimSpace(value)

	var err error
	switch kind {
	case KindEmail:
		err = validate.Var(value, "required,email,max=254")
	case KindPhone:
		err = validate.Var(value, "required,phone")
	case KindPrice:
		err = validatePrice(value)
	case KindText:
		err = validate.Var(value, fmt.Sprintf("required,max=%d", maxTextLen))
	default:
		return fmt.Errorf("%w: unknown field kind %q", autherror.ErrFieldValidation, kind)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", autherror.ErrFieldValidation, kind, err)
	}
	return nil
}

func validatePrice(value string) error {
	if err := validate.Var(value, "required,numeric"); err != nil {
		return err
	}
	p, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	return validate.Var(p, fmt.Sprintf("gte=0,lte=%.2f", maxPrice))
}

// validPhone accepts digits with common separators and an optional leading +.
func validPhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= minPhoneDigits && digits <= maxPhoneDigits
}
