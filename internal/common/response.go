package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// FailErr writes the envelope matching err's place in the taxonomy.
func FailErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		Fail(c, http.StatusBadRequest, 10001, err.Error())
	case errors.Is(err, ErrForbidden):
		Fail(c, http.StatusForbidden, 40300, "forbidden")
	case errors.Is(err, ErrNotFound):
		Fail(c, http.StatusNotFound, 40400, "not found")
	case errors.Is(err, ErrAlreadySearching):
		Fail(c, http.StatusConflict, 40901, "already searching")
	case errors.Is(err, ErrConflict):
		Fail(c, http.StatusConflict, 40900, err.Error())
	case errors.Is(err, ErrInvalidSession):
		Fail(c, http.StatusGone, 41000, "invalid session")
	case errors.Is(err, ErrStoreUnavailable):
		Fail(c, http.StatusServiceUnavailable, 50300, "store unavailable")
	default:
		Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
