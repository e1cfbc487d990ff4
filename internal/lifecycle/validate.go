package lifecycle

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

var (
	eventIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/\-]*$`)
	// letters, marks, digits, punctuation, math and currency symbols, spaces
	marketTextPattern = regexp.MustCompile(`^[\p{L}\p{M}\p{N}\p{P}\p{Sm}\p{Sc}\p{Zs}]+$`)
)

// CreateRequest is the input to Create.
type CreateRequest struct {
	EventID        string `json:"eventId" validate:"required,event_id"`
	Description    string `json:"description" validate:"required,market_text"`
	CloseTimestamp int64  `json:"closeTimestamp" validate:"required,gt=0"`
	CreatorAddress string `json:"creatorAddress,omitempty" validate:"omitempty,eth_addr"`
	Signature      string `json:"signature,omitempty" validate:"omitempty,hexadecimal"`
}

func newValidator() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())
	vld.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	if err := vld.RegisterValidation("event_id", func(fl validator.FieldLevel) bool {
		return eventIDPattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("lifecycle: register 'event_id': %w", err)
	}
	if err := vld.RegisterValidation("market_text", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return strings.TrimSpace(s) != "" && marketTextPattern.MatchString(s)
	}); err != nil {
		return nil, fmt.Errorf("lifecycle: register 'market_text': %w", err)
	}
	return vld, nil
}

var validationMessages = map[string]func(field, param string) string{
	"required":    func(f, _ string) string { return fmt.Sprintf("'%s' is required", f) },
	"gt":          func(f, p string) string { return fmt.Sprintf("'%s' must be greater than %s", f, p) },
	"eth_addr":    func(f, _ string) string { return fmt.Sprintf("'%s' must be a 0x-prefixed address", f) },
	"hexadecimal": func(f, _ string) string { return fmt.Sprintf("'%s' must be hex encoded", f) },
	"event_id": func(f, _ string) string {
		return fmt.Sprintf("'%s' may contain only letters, digits and . _ : / -", f)
	},
	"market_text": func(f, _ string) string {
		return fmt.Sprintf("'%s' contains unsupported characters", f)
	},
}

func formatValidationError(fe validator.FieldError) error {
	if format, ok := validationMessages[fe.Tag()]; ok {
		return fmt.Errorf("%w: %s", domain.ErrValidation, format(fe.Field(), fe.Param()))
	}
	return fmt.Errorf("%w: '%s' failed '%s' check", domain.ErrValidation, fe.Field(), fe.Tag())
}

// validateTerms checks the request shape, the configured length bounds and
// that the close time falls in (now, now+horizon].
func (e *Engine) validateTerms(req CreateRequest, now time.Time) error {
	if err := e.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return formatValidationError(verrs[0])
		}
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if n := utf8.RuneCountInString(req.EventID); n > e.cfg.MaxEventIDLen {
		return fmt.Errorf("%w: 'eventId' must be at most %d characters", domain.ErrValidation, e.cfg.MaxEventIDLen)
	}
	if n := utf8.RuneCountInString(req.Description); n > e.cfg.MaxDescriptionLen {
		return fmt.Errorf("%w: 'description' must be at most %d characters", domain.ErrValidation, e.cfg.MaxDescriptionLen)
	}
	if req.CloseTimestamp <= now.Unix() {
		return fmt.Errorf("%w: 'closeTimestamp' must be in the future", domain.ErrValidation)
	}
	if req.CloseTimestamp > now.Add(e.cfg.CloseHorizon).Unix() {
		return fmt.Errorf("%w: 'closeTimestamp' must be within %s", domain.ErrValidation, e.cfg.CloseHorizon)
	}
	return nil
}

func requestFromTerms(t domain.Terms) CreateRequest {
	return CreateRequest{
		EventID:        t.EventID,
		Description:    t.Description,
		CloseTimestamp: t.CloseTimestamp,
	}
}
