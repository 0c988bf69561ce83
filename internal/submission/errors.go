package submission

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes carried by client-facing errors.
const (
	TextCodeMissingFormData     = "MISSING_FORM_DATA"
	TextCodeUnauthorizedDomain  = "UNAUTHORIZED_DOMAIN"
	TextCodeMissingVerification = "MISSING_VERIFICATION"
	TextCodeInvalidVerification = "INVALID_VERIFICATION"
	TextCodeDeliveryFailed      = "DELIVERY_FAILED"
)

func clientError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func errMissingFormData() *goerrors.Error {
	return clientError("Missing form data", goerrors.CategoryBadInput,
		http.StatusBadRequest, TextCodeMissingFormData, nil)
}

func errUnauthorizedDomain(origin string) *goerrors.Error {
	return clientError("Unauthorized domain", goerrors.CategoryAuthz,
		http.StatusForbidden, TextCodeUnauthorizedDomain, map[string]any{"origin": origin})
}

func errMissingVerification() *goerrors.Error {
	return clientError("Missing Turnstile verification", goerrors.CategoryBadInput,
		http.StatusBadRequest, TextCodeMissingVerification, nil)
}

func errInvalidVerification() *goerrors.Error {
	return clientError("Invalid Turnstile verification", goerrors.CategoryBadInput,
		http.StatusBadRequest, TextCodeInvalidVerification, nil)
}

func errDeliveryFailed(source error) *goerrors.Error {
	return goerrors.Wrap(source, goerrors.CategoryExternal, "There was an error processing your submission").
		WithCode(http.StatusInternalServerError).
		WithTextCode(TextCodeDeliveryFailed)
}
