package coordinator

import "errors"

// ErrInvalidOverride rejects a reconfigure request.
var ErrInvalidOverride = errors.New("invalid coordinator override")
