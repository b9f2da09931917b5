package urlmetric

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/tidwall/gjson"
)

var tagPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// ExternalBackgroundImage returns the property definition for
// ExternalBackgroundImageProperty: an object with a url, a tag name and a
// nullable id and class.
func ExternalBackgroundImage() Property {
	return Property{
		Description: "LCP element which has a CSS background image",
		Validate:    validateExternalBackgroundImage,
	}
}

func validateExternalBackgroundImage(v gjson.Result) error {
	if !v.IsObject() {
		return errors.New("must be an object")
	}
	var err error
	v.ForEach(func(key, value gjson.Result) bool {
		switch k := key.String(); k {
		case "url":
			if value.Type != gjson.String || len(value.Str) > 500 {
				err = errors.New("url must be a string of at most 500 characters")
				return false
			}
			u, perr := url.Parse(value.Str)
			if perr != nil || u.Scheme == "" {
				err = errors.New("url must be an absolute URL")
			}
		case "tag":
			if value.Type != gjson.String || len(value.Str) > 100 || !tagPattern.MatchString(value.Str) {
				err = errors.New("tag must be an element name")
			}
		case "id", "class":
			if value.Type != gjson.Null && (value.Type != gjson.String || len(value.Str) > 100) {
				err = fmt.Errorf("%s must be null or a string of at most 100 characters", k)
			}
		default:
			err = fmt.Errorf("unknown property %q", k)
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	for _, k := range []string{"url", "tag", "id", "class"} {
		if !v.Get(k).Exists() {
			return fmt.Errorf("%s is required", k)
		}
	}
	return nil
}

// TypedProperty returns a property that only checks the JSON type of its value.
// Valid kinds are string, number, integer, boolean, object, array and any.
func TypedProperty(kind string) (Property, error) {
	var check func(gjson.Result) bool
	switch kind {
	case "string":
		check = func(v gjson.Result) bool { return v.Type == gjson.String }
	case "number":
		check = func(v gjson.Result) bool { return v.Type == gjson.Number }
	case "integer":
		check = isInteger
	case "boolean":
		check = func(v gjson.Result) bool { return v.Type == gjson.True || v.Type == gjson.False }
	case "object":
		check = gjson.Result.IsObject
	case "array":
		check = gjson.Result.IsArray
	case "any":
		return Property{Description: "any JSON value"}, nil
	default:
		return Property{}, fmt.Errorf("unsupported property type %q", kind)
	}
	return Property{
		Description: kind + " value",
		Validate: func(v gjson.Result) error {
			if !check(v) {
				return fmt.Errorf("must be of type %s", kind)
			}
			return nil
		},
	}, nil
}
