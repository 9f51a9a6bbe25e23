package booking

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/model"
)

// BookRequest is the client payload for POST /book.
type BookRequest struct {
	Date             string `json:"date" validate:"required,isodate"`
	TimeSlot         string `json:"timeSlot" validate:"required,timeslot"`
	ConsultationType string `json:"consultationType" validate:"omitempty,oneof=design fitting consultation custom"`
	Notes            string `json:"notes" validate:"max=500"`
	CustomerPhone    string `json:"customerPhone" validate:"omitempty,max=32"`
	CustomerName     string `json:"customerName" validate:"omitempty,max=120"`
}

var timeSlotPattern = regexp.MustCompile(`^\d{2}:\d{2}-\d{2}:\d{2}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("timeslot", func(fl validator.FieldLevel) bool {
		return timeSlotPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		_, err := ParseDate(fl.Field().String())
		return err == nil
	})
	return v
}

// normalize trims fields and applies defaults before validation.
func (r *BookRequest) normalize() {
	r.Date = strings.TrimSpace(r.Date)
	r.TimeSlot = strings.TrimSpace(r.TimeSlot)
	r.ConsultationType = strings.ToLower(strings.TrimSpace(r.ConsultationType))
	r.Notes = strings.TrimSpace(r.Notes)
	r.CustomerPhone = strings.TrimSpace(r.CustomerPhone)
	r.CustomerName = strings.TrimSpace(r.CustomerName)
	if r.ConsultationType == "" {
		r.ConsultationType = string(model.ConsultationConsultation)
	}
}

// validate returns the first violation as a validation *Error.
func (r *BookRequest) validate(v *validator.Validate) error {
	err := v.Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return newError(KindValidation, "Invalid request")
	}
	return newError(KindValidation, fieldMessage(fieldErrs[0]))
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "isodate":
		return field + " must be a valid date (YYYY-MM-DD)"
	case "timeslot":
		return field + " must be in HH:MM-HH:MM format"
	case "oneof":
		return field + " must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return field + " is invalid"
	}
}

// ParseDate accepts a plain calendar date or an RFC 3339 timestamp and returns
// midnight UTC of that day.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(model.DateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC), nil
}
