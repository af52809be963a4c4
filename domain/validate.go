package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once

	serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,62}$`)
)

// GetValidator returns the shared validator with the service specific rules registered
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("servicename", func(fl validator.FieldLevel) bool {
			return serviceNamePattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("restartpolicy", func(fl validator.FieldLevel) bool {
			_, _, err := ParseRestartPolicy(fl.Field().String())
			return err == nil
		})
		validate = v
	})
	return validate
}

// ParseRestartPolicy splits "on-failure:<n>" into the policy name and retry count
func ParseRestartPolicy(s string) (string, int, error) {
	name, count, hasCount := strings.Cut(s, ":")
	switch name {
	case "no", "always", "unless-stopped":
		if hasCount {
			return "", 0, fmt.Errorf("restart policy %q does not take a retry count", name)
		}
		return name, 0, nil
	case "on-failure":
		if !hasCount {
			return name, 0, nil
		}
		n, err := strconv.Atoi(count)
		if err != nil || n < 0 {
			return "", 0, fmt.Errorf("invalid retry count in restart policy %q", s)
		}
		return name, n, nil
	default:
		return "", 0, fmt.Errorf("unknown restart policy %q", s)
	}
}

// Validate checks a service before it is stored or deployed
func (s *Service) Validate() error {
	var fields []FieldError

	if err := GetValidator().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		for _, fe := range verrs {
			fields = append(fields, FieldError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Service."),
				Message: describe(fe),
			})
		}
	}

	if s.Buildpack == ImageBuildpack && s.Source.Image == "" {
		fields = append(fields, FieldError{Field: "Source.Image", Message: "required by the image buildpack"})
	}

	if s.Type == ServiceTypeJob && s.Cron != "" {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			fields = append(fields, FieldError{Field: "Cron", Message: err.Error()})
		}
	}

	if s.Type == ServiceTypeJob && s.Routing.Routed() {
		fields = append(fields, FieldError{Field: "Routing", Message: "jobs cannot be routed"})
	}

	seen := make(map[string]bool)
	for _, p := range s.Ports {
		key := fmt.Sprintf("%s/%d", p.Proto, p.HostPort)
		if seen[key] {
			fields = append(fields, FieldError{Field: "Ports", Message: "duplicate host port " + key})
		}
		seen[key] = true
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "excluded_if":
		return "is not allowed for this service type"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "servicename":
		return "must be lowercase alphanumeric with '-', '_' or '.'"
	case "restartpolicy":
		return "must be no, always, unless-stopped or on-failure[:n]"
	case "hostname_rfc1123":
		return "must be a valid hostname"
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return "failed " + fe.Tag()
	}
}
