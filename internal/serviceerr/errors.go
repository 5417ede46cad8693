package serviceerr

import "errors"

var ErrNoToken = errors.New("no access token available")
var ErrNoProfile = errors.New("no user profile available")
var ErrUnknownStorage = errors.New("unknown storage type")
