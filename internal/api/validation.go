package api

import (
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"aicareer/internal/service"
)

var registerOnce sync.Once

// registerValidators 在 gin 的 validator 上注册业务标签：
// sha256hex 要求 64 位十六进制，docmime 要求在上传白名单内。
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("sha256hex", func(fl validator.FieldLevel) bool {
			return service.IsSHA256Hex(fl.Field().String())
		})
		_ = v.RegisterValidation("docmime", func(fl validator.FieldLevel) bool {
			_, ok := service.AllowedMimeTypes[strings.ToLower(fl.Field().String())]
			return ok
		})
	})
}
