package httpapi

import "net/http"

// apiError is the error kind taxonomy of spec.md §7, mapped to an HTTP
// status and a JSON body.
type apiError struct {
	Kind    string
	Status  int
	Message string
}

func (e *apiError) Error() string { return e.Message }

func errValidation(msg string) *apiError {
	return &apiError{Kind: "ValidationError", Status: http.StatusBadRequest, Message: msg}
}

func errNotFound(msg string) *apiError {
	return &apiError{Kind: "NotFound", Status: http.StatusNotFound, Message: msg}
}

func errUnauthorized(msg string) *apiError {
	return &apiError{Kind: "Unauthorized", Status: http.StatusUnauthorized, Message: msg}
}

func errRateLimited(msg string) *apiError {
	return &apiError{Kind: "RateLimited", Status: http.StatusTooManyRequests, Message: msg}
}

func errStoreUnavailable(msg string) *apiError {
	return &apiError{Kind: "StoreUnavailable", Status: http.StatusServiceUnavailable, Message: msg}
}
