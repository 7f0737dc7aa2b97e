package authsession

import (
	"errors"

	"github.com/chimerakang/authsession-go/validation"
)

// CheckRegistration is the default RegistrationCheck. It enforces the
// Registration struct tags (matching passwords, a loose international phone
// number, an optional well-formed email) and returns a copy with the phone
// number normalised. Failures are *ValidationError.
func CheckRegistration(reg Registration) (Registration, error) {
	if err := validation.Struct(reg); err != nil {
		var fields validation.FieldErrors
		if errors.As(err, &fields) {
			return reg, &ValidationError{Fields: fields}
		}
		return reg, err
	}
	reg.Phone = validation.NormalizePhone(reg.Phone)
	return reg, nil
}
