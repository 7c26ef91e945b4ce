package repository

import "errors"

// ErrDuplicateIdentity は同一プロバイダのidentityが既に存在する場合に返される。
var ErrDuplicateIdentity = errors.New("identity already exists")
