package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateRecord checks the struct-level constraints on a batch input row.
// Date ordering against the expiration sentinel is checked by the issuance
// layer, not here.
func ValidateRecord(r Record) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("record %q: %w", r.DocumentID, err)
	}
	return nil
}

// ValidateStruct runs validator tags on any annotated struct (used by config).
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}
