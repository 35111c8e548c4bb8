package errno

import "errors"

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	var typed Errno
	if errors.As(err, &typed) {
		return typed.Code, typed.Message
	}
	var ptr *Errno
	if errors.As(err, &ptr) {
		return ptr.Code, ptr.Message
	}
	return InternalServerError.Code, err.Error()
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
	ErrDatabase         = Errno{Code: 10004, Message: "Database error"}
)

// Business Errors (20000+)
var (
	ErrInvalidAddress  = Errno{Code: 20101, Message: "Invalid address"}
	ErrAddressNotFound = Errno{Code: 20201, Message: "Address not found"}
)

// Chain Monitor Errors (30000+)
// 扫链错误分级: 30101/30102 为瞬时错误(退避后重试),
// 30201/30202/30203 为致命错误(停机, 需要人工介入)
var (
	ErrNodeUnavailable      = Errno{Code: 30101, Message: "Chain node unavailable"}
	ErrBlockNotFound        = Errno{Code: 30102, Message: "Block not found"}
	ErrReorgTooDeep         = Errno{Code: 30201, Message: "Reorg exceeds lookback depth, operator resync required"}
	ErrInconsistentRollback = Errno{Code: 30202, Message: "Rollback expected an applied event that is missing"}
	ErrOverflow             = Errno{Code: 30203, Message: "Balance magnitude exceeds representable range"}
)

// IsTransient reports whether err is a retriable node/network failure.
func IsTransient(err error) bool {
	code, _ := Decode(err)
	return code == ErrNodeUnavailable.Code || code == ErrBlockNotFound.Code
}

// IsFatal reports whether err must halt ingestion until an operator intervenes.
func IsFatal(err error) bool {
	code, _ := Decode(err)
	switch code {
	case ErrReorgTooDeep.Code, ErrInconsistentRollback.Code, ErrOverflow.Code:
		return true
	}
	return false
}
