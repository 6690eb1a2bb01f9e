package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindDuplicateID
	KindNotFound
	KindUnauthorized
	KindRateLimited
)

var (
	ErrNotFound           = NewErr("NOT_FOUND", "content not found", http.StatusNotFound, KindNotFound)
	ErrDuplicateID        = NewErr("DUPLICATE_ID", "id already in use", http.StatusBadRequest, KindDuplicateID)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "content must not be empty", http.StatusBadRequest, KindValidation)
	ErrContentTooLarge    = NewErr("CONTENT_TOO_LARGE", "content exceeds maximum size", http.StatusBadRequest, KindValidation)
	ErrCustomIDCharset    = NewErr("INVALID_CUSTOM_ID", "custom id may only contain letters, digits, underscores and hyphens", http.StatusBadRequest, KindValidation)
	ErrCustomIDLength     = NewErr("INVALID_CUSTOM_ID", "custom id must be between 2 and 50 characters", http.StatusBadRequest, KindValidation)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest, KindValidation)
	ErrInvalidConfigValue = NewErr("INVALID_CONFIG", "invalid config value", http.StatusBadRequest, KindValidation)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized, KindUnauthorized)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests, KindRateLimited)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError, KindInternal)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError, KindInternal)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
	Kind   Kind   `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int, kind Kind) *Err {
	return &Err{Code: code, Msg: msg, Status: status, Kind: kind}
}

// WithMsg returns a copy of e carrying a more specific message. The copy keeps
// the code, status and kind of e.
func (e *Err) WithMsg(msg string) *Err {
	return &Err{Code: e.Code, Msg: msg, Status: e.Status, Kind: e.Kind}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func asErr(err error) (*Err, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Err); ok {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

func KindOf(err error) Kind {
	if e, ok := asErr(err); ok {
		return e.Kind
	}
	return KindInternal
}

func IsValidation(err error) bool  { return KindOf(err) == KindValidation }
func IsDuplicateID(err error) bool { return KindOf(err) == KindDuplicateID }
func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }
