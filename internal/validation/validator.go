// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

// Package validation provides struct validation using
// go-playground/validator v10. It exposes a thread-safe singleton
// validator with the application's custom validation tags. Validation
// is applied at trust boundaries (loading persisted records, HTTP
// intake), never in the hot detection path.
//
// Custom tags:
//   - unit: float64 in [0,1] and finite
//   - severity: one of low, moderate, important, critical
//   - alertstatus: one of new, acknowledged, in_progress, resolved,
//     snoozed, dismissed
//   - rfc3339: string parseable as an RFC3339 timestamp
package validation

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

var severities = map[string]struct{}{
	"low": {}, "moderate": {}, "important": {}, "critical": {},
}

var alertStatuses = map[string]struct{}{
	"new": {}, "acknowledged": {}, "in_progress": {},
	"resolved": {}, "snoozed": {}, "dismissed": {},
}

// getValidator returns the singleton validator, initializing it on
// first use.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		must := func(tag string, fn validator.Func) {
			if err := validate.RegisterValidation(tag, fn); err != nil {
				panic(fmt.Sprintf("validation: register %s: %v", tag, err))
			}
		}

		must("unit", func(fl validator.FieldLevel) bool {
			v := fl.Field().Float()
			return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= 1
		})

		must("severity", func(fl validator.FieldLevel) bool {
			_, ok := severities[fl.Field().String()]
			return ok
		})

		must("alertstatus", func(fl validator.FieldLevel) bool {
			_, ok := alertStatuses[fl.Field().String()]
			return ok
		})

		must("rfc3339", func(fl validator.FieldLevel) bool {
			_, err := time.Parse(time.RFC3339, fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// FieldError is a single field validation failure.
type FieldError struct {
	Field   string
	Tag     string
	Message string
}

// Error returns the human-readable message.
func (e FieldError) Error() string {
	return e.Message
}

// StructError collects all field failures for one struct.
type StructError struct {
	Fields []FieldError
}

// Error implements the error interface.
func (e *StructError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	messages := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		messages = append(messages, f.Message)
	}
	return strings.Join(messages, "; ")
}

// ValidateStruct validates a struct against its validate tags. Returns
// nil on success or a *StructError listing every failed field.
func ValidateStruct(s interface{}) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	invalid, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("validation: %w", err)
	}

	out := &StructError{Fields: make([]FieldError, 0, len(invalid))}
	for _, fe := range invalid {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag()),
		})
	}
	return out
}

// ValidateVar validates a single value against a tag expression.
func ValidateVar(v interface{}, tag string) error {
	if err := getValidator().Var(v, tag); err != nil {
		return fmt.Errorf("validation: value failed %s: %w", tag, err)
	}
	return nil
}
