// Package tools exposes the PubMed backend as a set of named operations
// with validated inputs and plain structured results.
//
// Every operation returns a response embedding Result. Invalid input is
// reported as a *domain.ValidationError; any other failure produces a
// response with Success=false, a human-readable Error and an ErrorKind.
package tools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/pubmed-service/internal/backend"
	"github.com/helixir/pubmed-service/internal/domain"
	"github.com/helixir/pubmed-service/internal/observability"
)

// Result is the envelope shared by every tool response.
type Result struct {
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
}

func (r *Result) result() *Result { return r }

type outcome interface {
	result() *Result
}

// Facade serves tool calls against a Backend.
type Facade struct {
	backend  *backend.Backend
	validate *validator.Validate
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

// New creates a Facade. metrics may be nil.
func New(b *backend.Backend, logger zerolog.Logger, metrics *observability.Metrics) *Facade {
	return &Facade{
		backend:  b,
		validate: newValidator(),
		logger:   observability.WithComponent(logger, "tools"),
		metrics:  metrics,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("pmid", func(fl validator.FieldLevel) bool {
		return domain.ValidPMID(fl.Field().String())
	})
	return v
}

// run validates req, executes fn and records the outcome on out.
func (f *Facade) run(ctx context.Context, tool string, req any, out outcome, fn func(context.Context) error) error {
	start := time.Now()
	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = observability.WithRequestID(ctx, requestID)
	}
	ctx = observability.WithTool(ctx, tool)
	logger := observability.WithToolContext(f.logger, requestID, tool)

	if req != nil {
		if err := f.validate.Struct(req); err != nil {
			verr := validationError(err)
			f.metrics.RecordToolCall(tool, "invalid", time.Since(start))
			logger.Debug().Err(verr).Msg("tool input rejected")
			return verr
		}
	}

	err := fn(ctx)
	r := out.result()
	switch {
	case err == nil:
		r.Success = true
		f.metrics.RecordToolCall(tool, "success", time.Since(start))
		logger.Debug().Dur("duration", time.Since(start)).Msg("tool call completed")
	case domain.KindOf(err) == domain.KindInvalidInput:
		f.metrics.RecordToolCall(tool, "invalid", time.Since(start))
		logger.Debug().Err(err).Msg("tool input rejected")
		return err
	default:
		kind := domain.KindOf(err)
		r.Success = false
		r.Error = publicMessage(err)
		r.ErrorKind = kind
		f.metrics.RecordToolCall(tool, string(kind), time.Since(start))
		event := logger.Warn()
		if kind == domain.KindInternal {
			event = logger.Error()
		}
		event.Err(err).Str("error_kind", string(kind)).Dur("duration", time.Since(start)).Msg("tool call failed")
	}
	return nil
}

// validationError converts the first validator failure into a
// ValidationError naming the JSON field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.NewValidationError("request", err.Error())
	}
	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	return domain.NewValidationError(field, describeConstraint(fe))
}

func describeConstraint(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "pmid":
		return fmt.Sprintf("%q is not a valid PMID", fe.Value())
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must contain at least " + fe.Param() + " item(s)"
		}
		return "must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.Slice {
			return "must contain at most " + fe.Param() + " items"
		}
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// publicMessage describes err without exposing request URLs, which carry
// the API key and contact email.
func publicMessage(err error) string {
	var exhausted *domain.RetryExhaustedError
	if errors.As(err, &exhausted) {
		msg := fmt.Sprintf("%s failed after %d attempts", exhausted.Operation, exhausted.Attempts)
		var api *domain.ExternalAPIError
		if errors.As(exhausted.Last, &api) {
			return msg + ": " + api.Error()
		}
		var parse *domain.ParseError
		if errors.As(exhausted.Last, &parse) {
			return msg + ": " + parse.Error()
		}
		return msg
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return "upstream request failed: " + uerr.Err.Error()
	}
	if domain.KindOf(err) == domain.KindCancelled {
		return "request cancelled"
	}
	return err.Error()
}
