package ordkey

import (
	"fmt"
	"strings"

	"github.com/arcstep/indexedkv/ikv_errors"
)

// Structural tokens of the index key layout. A primary key containing
// KeyToken, or a formatted value containing ReverseToken, would shift every
// delimiter to its right, so both are rejected before any write is staged.
const (
	IndexPrefix  = "idx:"
	KeyToken     = ":key:"
	ReverseToken = ":rev:"
	Sep          = ":"
)

func ValidateKey(key string) error {
	if strings.Contains(key, KeyToken) {
		return fmt.Errorf("%w: key %q contains %q", ikv_errors.ErrReservedToken, key, KeyToken)
	}
	return nil
}

func ValidateValue(formatted string) error {
	if strings.Contains(formatted, ReverseToken) {
		return fmt.Errorf("%w: value %q contains %q", ikv_errors.ErrReservedToken, formatted, ReverseToken)
	}
	return nil
}
