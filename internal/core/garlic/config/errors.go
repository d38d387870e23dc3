package config

import "github.com/dep2p/garlic-tunnel/internal/core/garlic/garlicerr"

var errInvalidChainLength = garlicerr.New(garlicerr.KindInvalidArgument, "config.Validate", nil)
