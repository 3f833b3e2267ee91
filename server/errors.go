package server

import "errors"

var errNoChannels = errors.New("no channels configured")
