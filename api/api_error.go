package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// AdminErrorf writes the administration REST error shape, a bare detail
// string, and aborts the request.
func AdminErrorf(c *gin.Context, code int, format string, args ...interface{}) {
	c.AbortWithStatusJSON(code, gin.H{"detail": fmt.Sprintf(format, args...)})
}

// bindingErrorDetail turns a gin binding failure into a message fit for the
// administration API response.
func bindingErrorDetail(err error) string {
	var verr validator.ValidationErrors
	if errors.As(err, &verr) {
		var messages []string
		for _, fe := range verr {
			switch fe.Tag() {
			case "required":
				messages = append(messages, fmt.Sprintf("%s is required", fe.Field()))
			case "email":
				messages = append(messages, fmt.Sprintf("%s is not a valid email", fe.Field()))
			default:
				messages = append(messages, fmt.Sprintf("validation failed on field %s", fe.Field()))
			}
		}
		return strings.Join(messages, ". ")
	}
	return err.Error()
}
