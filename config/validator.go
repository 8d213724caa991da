package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var environments = []string{"development", "staging", "production"}

// weightTolerance absorbs float rounding of decimal weights such as 0.35.
const weightTolerance = 1e-9

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their config key rather than the Go field name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("env", func(fl validator.FieldLevel) bool {
		return oneOf(fl.Field().String(), environments)
	})
	v.RegisterStructValidation(checkScoring, ScoringConfig{})
	v.RegisterStructValidation(checkStorage, StorageConfig{})
	v.RegisterStructValidation(checkSaga, SagaConfig{})
	return v
}

// FieldError is one rejected setting.
type FieldError struct {
	// Key is the dotted config key, e.g. escalation.negative_threshold.
	Key   string
	Rule  string
	Param string
	Value interface{}
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Key, e.describe(), e.Value)
}

func (e FieldError) describe() string {
	switch e.Rule {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + e.Param
	case "max", "lte":
		return "must be at most " + e.Param
	case "gt":
		return "must be greater than " + e.Param
	case "oneof":
		return "must be one of [" + e.Param + "]"
	case "env":
		return "must be one of [" + strings.Join(environments, " ") + "]"
	case "weights_sum":
		return "affective, semantic and utility weights must sum to 1"
	case "path_required":
		return "is required by the selected backend"
	case "backoff_order":
		return "must not be below initial_backoff"
	default:
		return "fails rule " + e.Rule
	}
}

// ValidationErrors lists every rejected setting of a Config.
type ValidationErrors []FieldError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, "invalid configuration:")
	for _, fe := range e {
		lines = append(lines, "  - "+fe.Error())
	}
	return strings.Join(lines, "\n")
}

// Keys returns the offending config keys in report order.
func (e ValidationErrors) Keys() []string {
	keys := make([]string, len(e))
	for i, fe := range e {
		keys[i] = fe.Key
	}
	return keys
}

// ValidateWithDetails checks cfg and returns ValidationErrors naming each
// offending key.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Key:   configKey(fe.Namespace()),
			Rule:  fe.Tag(),
			Param: fe.Param(),
			Value: fe.Value(),
		})
	}
	return out
}

// configKey drops the root type name from a validator namespace:
// "Config.escalation.top_k" becomes "escalation.top_k".
func configKey(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func checkScoring(sl validator.StructLevel) {
	sc := sl.Current().Interface().(ScoringConfig)
	sum := sc.AffectiveWeight + sc.SemanticWeight + sc.UtilityWeight
	if math.Abs(sum-1) > weightTolerance {
		sl.ReportError(sc.UtilityWeight, "utility_weight", "UtilityWeight", "weights_sum", "")
	}
}

func checkStorage(sl validator.StructLevel) {
	sc := sl.Current().Interface().(StorageConfig)
	switch sc.Type {
	case "badger":
		if sc.Badger.Path == "" {
			sl.ReportError(sc.Badger.Path, "badger.path", "Path", "path_required", "")
		}
	case "sqlite":
		if sc.SQLite.Path == "" {
			sl.ReportError(sc.SQLite.Path, "sqlite.path", "Path", "path_required", "")
		}
	}
}

func checkSaga(sl validator.StructLevel) {
	sc := sl.Current().Interface().(SagaConfig)
	if sc.MaxBackoff > 0 && sc.MaxBackoff < sc.InitialBackoff {
		sl.ReportError(sc.MaxBackoff, "max_backoff", "MaxBackoff", "backoff_order", "")
	}
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
