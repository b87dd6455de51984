package engine

import "github.com/xtls/wgtunnel/internal/errs"

func newError(values ...interface{}) *errs.Error {
	return errs.New(values...)
}
