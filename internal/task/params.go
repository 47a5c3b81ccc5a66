package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrInvalidParams wraps decoding and validation failures.
var ErrInvalidParams = errors.New("invalid task parameters")

var validate = newValidator()

// newValidator reports fields by their parameter names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Decode decodes task params into out and validates it.
// Names listed in fromVars are taken from Variables when Params lacks them.
func Decode(tc *domain.TaskContext, out any, fromVars ...string) error {
	input := make(map[string]any, len(tc.Task.Params)+len(fromVars))
	for k, v := range tc.Task.Params {
		input[k] = v
	}
	for _, name := range fromVars {
		if _, ok := input[name]; ok {
			continue
		}
		if v := tc.Var(name); v != nil {
			input[name] = v
		}
	}
	return DecodeMap(input, out)
}

// DecodeMap decodes a loosely typed map into out and validates it.
func DecodeMap(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			decimalHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return Validate(out)
}

// Validate runs struct validation and flattens the errors into one message.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if strings.HasPrefix(fe.Tag(), "required") {
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(msgs, ", "))
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func decimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	}
	return data, nil
}
