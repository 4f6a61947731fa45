package types

import (
	null "gopkg.in/guregu/null.v3"
)

// The guregu null types only know JSON and text, so these wrappers add the
// YAML side. A key that is present, even with an empty value, is Valid; an
// absent or explicit-null key is not.

// NullString is a YAML-decodable null.String.
type NullString struct {
	null.String
}

// NullStringFrom returns a valid NullString holding s.
func NullStringFrom(s string) NullString {
	return NullString{null.StringFrom(s)}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *NullString) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v *string
	if err := unmarshal(&v); err != nil {
		return err
	}
	if v == nil {
		*n = NullString{}
		return nil
	}
	*n = NullStringFrom(*v)
	return nil
}

// NullInt is a YAML-decodable null.Int.
type NullInt struct {
	null.Int
}

// NullIntFrom returns a valid NullInt holding i.
func NullIntFrom(i int64) NullInt {
	return NullInt{null.IntFrom(i)}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *NullInt) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v *int64
	if err := unmarshal(&v); err != nil {
		return err
	}
	if v == nil {
		*n = NullInt{}
		return nil
	}
	*n = NullIntFrom(*v)
	return nil
}

// NullBool is a YAML-decodable null.Bool.
type NullBool struct {
	null.Bool
}

// NullBoolFrom returns a valid NullBool holding b.
func NullBoolFrom(b bool) NullBool {
	return NullBool{null.BoolFrom(b)}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *NullBool) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v *bool
	if err := unmarshal(&v); err != nil {
		return err
	}
	if v == nil {
		*n = NullBool{}
		return nil
	}
	*n = NullBoolFrom(*v)
	return nil
}
