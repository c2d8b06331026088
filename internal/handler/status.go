package handler

import (
	"net/http"

	"github.com/medipass/sync-api/pkg/apperror"
)

// StatusFor maps taxonomy codes onto HTTP status codes. Unknown errors are
// treated as internal.
func StatusFor(err error) int {
	switch apperror.CodeOf(err) {
	case apperror.CodeInvalidInput, apperror.CodeWeakPassword:
		return http.StatusBadRequest
	case apperror.CodeInvalidCredentials, apperror.CodeRoleMismatch, apperror.CodeProfileMissing:
		return http.StatusUnauthorized
	case apperror.CodeUnauthorized:
		return http.StatusForbidden
	case apperror.CodeNotFound:
		return http.StatusNotFound
	case apperror.CodeEmailInUse:
		return http.StatusConflict
	case apperror.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperror.CodeNetworkUnavailable, apperror.CodeWriteFailed, apperror.CodeStreamError:
		return http.StatusServiceUnavailable
	case apperror.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
