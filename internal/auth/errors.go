package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/baechuer/productbazar-client/internal/domain"
)

// codeKinds maps server error codes to auth error kinds.
var codeKinds = map[string]domain.ErrKind{
	"OTP_EXPIRED":       domain.KindOTPExpired,
	"INVALID_OTP":       domain.KindOTPInvalid,
	"OTP_INVALID":       domain.KindOTPInvalid,
	"MAX_ATTEMPTS":      domain.KindOTPMaxed,
	"TOO_MANY_ATTEMPTS": domain.KindOTPMaxed,
	"EMAIL_EXISTS":      domain.KindEmailTaken,
	"USER_EXISTS":       domain.KindEmailTaken,
	"ACCOUNT_LOCKED":    domain.KindLocked,
}

// mapError reclassifies server failures into auth kinds. Other errors pass through.
func mapError(err error) error {
	var de *domain.Error
	if err == nil || !errors.As(err, &de) {
		return err
	}
	kind, ok := codeKinds[strings.ToUpper(de.Code)]
	if !ok && de.Status == http.StatusLocked {
		kind, ok = domain.KindLocked, true
	}
	if !ok || kind == de.Kind {
		return err
	}
	out := *de
	out.Kind = kind
	return &out
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return domain.ErrInvalidField(lowerFirst(verrs[0].Field()), verrs[0].Tag())
	}
	return domain.Wrap(domain.KindValidation, "invalid_input", "invalid input", err)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
