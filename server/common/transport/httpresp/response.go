package httpresp

const (
	ErrUnauthorized         = "unauthorized"
	ErrMissingBearerToken   = "bearer token is required"
	ErrInvalidToken         = "invalid token"
	ErrForbidden            = "forbidden"
	ErrInsufficientRole     = "insufficient permissions"
	ErrTransferNotFound     = "transfer not found"
	ErrAuthorizationFailed  = "authorization failed"
	ErrInternal             = "internal error"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}
