package schema

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/validator/v10"
)

var (
	encMode  cbor.EncMode
	decMode  cbor.DecMode
	validate = validator.New(validator.WithRequiredStructEnabled())
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor dec mode: %v", err))
	}
}

// Marshal encodes v with the canonical CBOR encoding used on the wire.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v, rejecting fields v does not know about.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode checks payload against the shape declared for topic in ns and
// encodes it.
func (r *Registry) Encode(ns Namespace, topic Topic, payload any) ([]byte, error) {
	if err := r.Check(ns, topic, payload); err != nil {
		return nil, err
	}
	b, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrSchemaMismatch, ns, topic, err)
	}
	return b, nil
}

func validateValue(v reflect.Value) error {
	if v.Kind() != reflect.Struct {
		return nil
	}
	return validate.Struct(v.Interface())
}
